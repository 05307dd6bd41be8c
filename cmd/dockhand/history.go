package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dockhand-sh/dockhand/internal/checks"
	"github.com/dockhand-sh/dockhand/internal/store"
)

var (
	historyLimit int
	historyRun   string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show saved audit runs",
	Long: `List the audit runs recorded in .dockhand/history.db, newest first.

--run shows a single run with its findings; a unique id prefix is
enough, like a short commit hash.`,
	Run: func(cmd *cobra.Command, args []string) {
		root := resolveRoot()
		ctx := context.Background()

		st, err := store.Open(store.DefaultPath(root))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = st.Close() }()

		if historyRun != "" {
			showRun(ctx, st, historyRun)
			return
		}

		runs, err := st.ListRuns(ctx, historyLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(runs) == 0 {
			fmt.Println("No audit history yet. Run 'dockhand audit' first.")
			return
		}

		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("%-10s %-17s %9s %9s  %s\n", "RUN", "STARTED", "DURATION", "FINDINGS", "WORST")
		for _, r := range runs {
			label := green("clean")
			if worst := r.Counts.Worst(); worst != "" {
				label = severityLabel(worst)
			}
			fmt.Printf("%-10s %-17s %9s %9d  %s\n",
				shortID(r.ID),
				r.StartedAt.Local().Format("2006-01-02 15:04"),
				r.Duration.Round(time.Millisecond).String(),
				r.Counts.Total,
				label,
			)
		}
		fmt.Printf("\n%s\n", gray("dockhand history --run <id> shows a run in full"))
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum runs to list (0 for all)")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show one run in full (unique id prefix allowed)")
}

func showRun(ctx context.Context, st *store.Store, id string) {
	run, err := st.GetRun(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Run %s, recorded %s\n", run.ID, run.StartedAt.Local().Format("2006-01-02 15:04:05"))

	// Rebuild a report so stored runs render exactly like fresh ones.
	printReport(&checks.Report{
		RunID:     run.ID,
		Root:      run.Root,
		StartedAt: run.StartedAt,
		Duration:  run.Duration,
		Findings:  run.Findings,
		Stats: checks.Stats{
			FilesScanned: run.FilesScanned,
			CheckersRun:  run.CheckersRun,
		},
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func severityLabel(s checks.Severity) string {
	switch s {
	case checks.SeverityCritical, checks.SeverityError:
		return color.New(color.FgRed).Sprint(string(s))
	case checks.SeverityWarning:
		return color.New(color.FgYellow).Sprint(string(s))
	default:
		return color.New(color.FgHiBlack).Sprint(string(s))
	}
}
