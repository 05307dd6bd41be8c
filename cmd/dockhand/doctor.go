package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dockhand-sh/dockhand/internal/doctor"
)

var (
	doctorVerbose  bool
	doctorDatabase bool
	doctorCluster  bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local environment against the conventions",
	Long: `Verify the tools and configuration a dockhand project leans on.

Checks:
- Required CLIs on PATH with minimum versions (docker, compose, kubectl, git)
- Optional CLIs the conventions use (mise, pg_dump, aws)
- mise.toml runtime pins vs what is actually installed
- .env presence, parseability and URL shapes (values are never printed)

Live probes are opt-in:
  --database  connect to DATABASE_URL and ping
  --cluster   load the kubeconfig and ask the API server its version

Exit codes:
  0 - Healthy (warnings allowed)
  1 - Environment failures
  2 - A requested live probe failed`,
	Run: func(cmd *cobra.Command, args []string) {
		root := resolveRoot()
		cfg := mustLoadConfig(root)
		ctx := context.Background()

		d := doctor.New(root, cfg)

		fmt.Printf("Checking the dockhand environment...\n\n")

		var results []doctor.CheckResult
		results = append(results, printDoctorSection("Tools", d.CheckTools(ctx))...)
		results = append(results, printDoctorSection("Runtime pins (mise.toml)", d.CheckMise(ctx))...)
		results = append(results, printDoctorSection("Environment (.env)", d.CheckEnv())...)

		probeFailed := false
		if doctorDatabase {
			res := doctor.CheckDatabase(ctx, lookupDatabaseURL(root, cfg))
			printDoctorSection("Database", []doctor.CheckResult{res})
			results = append(results, res)
			probeFailed = probeFailed || res.Status == doctor.StatusFail
		}
		if doctorCluster {
			res := doctor.CheckCluster(ctx)
			printDoctorSection("Cluster", []doctor.CheckResult{res})
			results = append(results, res)
			probeFailed = probeFailed || res.Status == doctor.StatusFail
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		summary := doctor.Summarize(results)
		fmt.Printf("%s\n", strings.Repeat("─", 60))

		if summary.Fail == 0 && summary.Warn == 0 {
			fmt.Printf("%s All checks passed (%d ok, %d skipped)\n", green("✓"), summary.OK, summary.Skip)
			return
		}

		fmt.Printf("%d ok", summary.OK)
		if summary.Warn > 0 {
			fmt.Printf(", %s", yellow(fmt.Sprintf("%d warnings", summary.Warn)))
		}
		if summary.Fail > 0 {
			fmt.Printf(", %s", red(fmt.Sprintf("%d failures", summary.Fail)))
		}
		if summary.Skip > 0 {
			fmt.Printf(", %d skipped", summary.Skip)
		}
		fmt.Println()

		switch {
		case probeFailed:
			fmt.Printf("\n%s A requested live probe failed.\n", red("✗"))
			os.Exit(2)
		case summary.Fail > 0:
			fmt.Printf("\n%s The environment needs attention before the conventions will hold.\n", red("✗"))
			os.Exit(1)
		default:
			fmt.Printf("\n%s Workable, with warnings.\n", yellow("⚠"))
		}
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVarP(&doctorVerbose, "verbose", "v", false, "Show hints for passing checks too")
	doctorCmd.Flags().BoolVar(&doctorDatabase, "database", false, "Probe the database: connect to DATABASE_URL and ping")
	doctorCmd.Flags().BoolVar(&doctorCluster, "cluster", false, "Probe the cluster: load kubeconfig and query the server version")
}

// printDoctorSection renders one → section of check results and passes
// them through for the summary tally.
func printDoctorSection(title string, results []doctor.CheckResult) []doctor.CheckResult {
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("%s %s\n", cyan("→"), title)
	for _, r := range results {
		line := r.Name
		if r.Detail != "" {
			line += ": " + r.Detail
		}
		fmt.Printf("  %s %s\n", statusIcon(r.Status), line)

		showHint := r.Hint != "" && (doctorVerbose || r.Status == doctor.StatusWarn || r.Status == doctor.StatusFail)
		if showHint {
			fmt.Printf("    %s\n", gray(r.Hint))
		}
	}
	fmt.Println()
	return results
}

func statusIcon(s doctor.Status) string {
	switch s {
	case doctor.StatusOK:
		return color.New(color.FgGreen).Sprint("✓")
	case doctor.StatusWarn:
		return color.New(color.FgYellow).Sprint("⚠")
	case doctor.StatusFail:
		return color.New(color.FgRed).Sprint("✗")
	default:
		return color.New(color.FgHiBlack).Sprint("○")
	}
}
