package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dockhand-sh/dockhand/internal/backup"
	"github.com/dockhand-sh/dockhand/internal/config"
)

var (
	dbDatabaseURL string
	dbPlain       bool
	dbDryRun      bool
	dbRestoreYes  bool
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database backup and restore helpers",
	Long: `Wrappers around the conventional pg_dump/psql invocations, matching
scripts/backup.sh and scripts/restore.sh. Dumps in, dumps out; no
migrations and no schema management.`,
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Dump the database into backups/ (and S3 when configured)",
	Long: `Dump the database into the backup directory as
<db>_<YYYYMMDD_HHMMSS>.dump (pg_dump custom format), or .sql.gz with
--plain. With backup.s3_bucket configured the dump is also uploaded via
'aws s3 cp'. Local dumps beyond backup.keep are pruned, oldest first.

The database URL comes from --database-url, then DATABASE_URL in the
environment, then .env.`,
	Run: func(cmd *cobra.Command, args []string) {
		root := resolveRoot()
		cfg := mustLoadConfig(root)

		runner := backup.New(cfg.Backup, databaseURLFromFlags(root, cfg))
		runner.Plain = dbPlain
		runner.DryRun = dbDryRun
		if !filepath.IsAbs(runner.Dir) {
			runner.Dir = filepath.Join(root, runner.Dir)
		}

		result, err := runner.Backup(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if dbDryRun {
			return
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Wrote %s\n", green("✓"), result.File)
		if result.Uploaded != "" {
			fmt.Printf("%s Uploaded %s\n", green("✓"), result.Uploaded)
		}
		for _, pruned := range result.Pruned {
			fmt.Printf("  pruned %s\n", pruned)
		}
	},
}

var dbRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore a dump with psql or pg_restore",
	Long: `Restore a dump produced by 'dockhand db backup' or scripts/backup.sh:
.sql through psql, .sql.gz gunzipped through psql, anything else
through pg_restore --clean --if-exists.

Restoring overwrites data, so it asks first; --yes skips the prompt.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root := resolveRoot()
		cfg := mustLoadConfig(root)

		runner := backup.New(cfg.Backup, databaseURLFromFlags(root, cfg))
		runner.DryRun = dbDryRun

		if !dbDryRun && runner.DatabaseURL != "" && !dbRestoreYes && !confirmRestore() {
			fmt.Println("aborted")
			return
		}

		if err := runner.Restore(context.Background(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !dbDryRun {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Restored %s\n", green("✓"), args[0])
		}
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbBackupCmd, dbRestoreCmd)

	dbBackupCmd.Flags().StringVar(&dbDatabaseURL, "database-url", "", "Database URL (default: DATABASE_URL from env or .env)")
	dbBackupCmd.Flags().BoolVar(&dbPlain, "plain", false, "Plain SQL dump piped through gzip instead of pg_dump custom format")
	dbBackupCmd.Flags().BoolVar(&dbDryRun, "dry-run", false, "Print the commands without executing them")

	dbRestoreCmd.Flags().StringVar(&dbDatabaseURL, "database-url", "", "Database URL (default: DATABASE_URL from env or .env)")
	dbRestoreCmd.Flags().BoolVar(&dbDryRun, "dry-run", false, "Print the commands without executing them")
	dbRestoreCmd.Flags().BoolVar(&dbRestoreYes, "yes", false, "Skip the confirmation prompt")
}

func databaseURLFromFlags(root string, cfg *config.Config) string {
	if dbDatabaseURL != "" {
		return dbDatabaseURL
	}
	return lookupDatabaseURL(root, cfg)
}

func confirmRestore() bool {
	fmt.Print("Restoring will overwrite the current database contents. Continue? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
