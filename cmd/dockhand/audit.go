package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dockhand-sh/dockhand/internal/checks"
	"github.com/dockhand-sh/dockhand/internal/config"
	"github.com/dockhand-sh/dockhand/internal/store"
	"github.com/dockhand-sh/dockhand/internal/watch"
)

var (
	auditCheckers []string
	auditFormat   string
	auditStrict   bool
	auditNoSave   bool
	auditWatch    bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit the project against the deployment conventions",
	Long: `Run the convention checkers over the project tree and report findings.

Checkers: dockerfile, compose, workflow, kubernetes, nginx, env.
Each run is saved to .dockhand/history.db unless --no-save.

Exit codes:
  0 - Clean, or nothing worse than warnings
  1 - Error findings (warnings too, with --strict)
  2 - Critical findings (a secret is about to ship)`,
	Run: func(cmd *cobra.Command, args []string) {
		if auditFormat != "text" && auditFormat != "json" {
			fmt.Fprintf(os.Stderr, "Error: unknown format %q (valid: text, json)\n", auditFormat)
			os.Exit(1)
		}

		root := resolveRoot()
		cfg := mustLoadConfig(root)

		if auditWatch {
			runAuditWatch(root, cfg)
			return
		}
		os.Exit(runAuditOnce(context.Background(), root, cfg))
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringSliceVar(&auditCheckers, "checker", nil, "Run only the named checkers (comma separated)")
	auditCmd.Flags().StringVar(&auditFormat, "format", "text", "Output format: text or json")
	auditCmd.Flags().BoolVar(&auditStrict, "strict", false, "Exit 1 on warnings too")
	auditCmd.Flags().BoolVar(&auditNoSave, "no-save", false, "Do not record this run in the audit history")
	auditCmd.Flags().BoolVar(&auditWatch, "watch", false, "Re-audit whenever an audited file changes")
}

// runAuditOnce runs the checkers, prints the report and returns the
// exit code.
func runAuditOnce(ctx context.Context, root string, cfg *config.Config) int {
	report, err := checks.Default().Run(ctx, checks.Target{Root: root, Config: cfg}, auditCheckers...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if !auditNoSave {
		if err := saveReport(ctx, root, report, cfg.History.Keep); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not save audit history: %v\n", err)
		}
	}

	if auditFormat == "json" {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: encoding report: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
	} else {
		printReport(report)
	}

	return auditExitCode(report)
}

// saveReport records the run in the history database and prunes runs
// beyond the configured retention.
func saveReport(ctx context.Context, root string, report *checks.Report, keep int) error {
	st, err := store.Open(store.DefaultPath(root))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.SaveReport(ctx, report); err != nil {
		return err
	}
	_, err = st.Prune(ctx, keep)
	return err
}

func auditExitCode(report *checks.Report) int {
	switch {
	case report.Count(checks.SeverityCritical) > 0:
		return 2
	case report.Count(checks.SeverityError) > 0:
		return 1
	case auditStrict && report.Count(checks.SeverityWarning) > 0:
		return 1
	default:
		return 0
	}
}

// printReport renders a report grouped by checker, with a summary rule
// at the bottom.
func printReport(report *checks.Report) {
	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s Auditing %s\n\n", cyan("→"), cyan(report.Root))

	if len(report.Findings) == 0 {
		fmt.Printf("  %s No findings\n", green("✓"))
	}

	lastChecker := ""
	for _, f := range report.Findings {
		if f.Checker != lastChecker {
			if lastChecker != "" {
				fmt.Println()
			}
			fmt.Printf("  %s\n", gray(f.Checker))
			lastChecker = f.Checker
		}

		loc := f.File
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		fmt.Printf("  %s %s %s %s\n", severityIcon(f.Severity), loc, gray(f.Rule), f.Message)
		if f.Hint != "" {
			fmt.Printf("      %s\n", gray(f.Hint))
		}
	}

	fmt.Printf("\n%s\n", strings.Repeat("─", 60))

	stats := fmt.Sprintf("%d files, %d checkers, %v",
		report.Stats.FilesScanned, report.Stats.CheckersRun,
		report.Duration.Round(time.Millisecond))

	if len(report.Findings) == 0 {
		fmt.Printf("%s All checks passed (%s)\n", green("✓"), stats)
		return
	}

	fmt.Printf("%s %d findings: %s (%s)\n",
		severityIcon(report.Worst()), len(report.Findings), severityBreakdown(report), stats)
}

// severityBreakdown lists nonzero severity counts, worst first.
func severityBreakdown(report *checks.Report) string {
	var parts []string
	for _, s := range []checks.Severity{
		checks.SeverityCritical,
		checks.SeverityError,
		checks.SeverityWarning,
		checks.SeverityInfo,
	} {
		if n := countSeverity(report, s); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	return strings.Join(parts, ", ")
}

// countSeverity counts findings directly so reports rebuilt from the
// history database (which have no Stats.BySeverity) render the same.
func countSeverity(report *checks.Report, s checks.Severity) int {
	n := 0
	for _, f := range report.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}

func severityIcon(s checks.Severity) string {
	switch s {
	case checks.SeverityCritical, checks.SeverityError:
		return color.New(color.FgRed).Sprint("✗")
	case checks.SeverityWarning:
		return color.New(color.FgYellow).Sprint("⚠")
	default:
		return color.New(color.FgHiBlack).Sprint("•")
	}
}

// runAuditWatch re-audits whenever an audited file changes, until
// interrupted.
func runAuditWatch(root string, cfg *config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gray := color.New(color.FgHiBlack).SprintFunc()

	for {
		runAuditOnce(ctx, root, cfg)

		files, dirs := watch.Paths(root, cfg)
		wctx, stopWatch, err := watch.UntilChange(ctx, files, dirs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: starting file watch: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s\n", gray("watching for changes (ctrl-c to stop)"))
		<-wctx.Done()
		stopWatch()

		if ctx.Err() != nil {
			fmt.Printf("%s\n", gray("stopped"))
			return
		}

		fmt.Printf("\n%s %v\n", gray("→"), context.Cause(wctx))
		time.Sleep(watch.Debounce)

		// The change may have been the config file itself. Environment
		// overrides still win over the reloaded file.
		if next, err := config.LoadOrDefault(root); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (keeping previous config)\n", err)
		} else if err := next.ApplyEnv(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (keeping previous config)\n", err)
		} else {
			cfg = next
		}
	}
}
