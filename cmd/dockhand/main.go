// Command dockhand scaffolds and audits the deployment surface of
// small containerized web services: Dockerfile, compose file, CI
// workflow, Kubernetes manifests, nginx vhost and env files.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dockhand-sh/dockhand/internal/config"
)

var rootDir string

var rootCmd = &cobra.Command{
	Use:   "dockhand",
	Short: "Deployment conventions for small containerized services",
	Long: `dockhand keeps the deployment surface of a containerized web service
honest: it scaffolds the conventional files, audits them as they
drift, and verifies the environment they assume.

Typical flow:
  dockhand init          # lay down the conventions
  dockhand audit         # check the tree against them
  dockhand doctor        # verify the local environment
  dockhand serve         # run the reference service`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "Project root to operate on")
}

// resolveRoot returns the absolute project root.
func resolveRoot() string {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve project root: %v\n", err)
		os.Exit(1)
	}
	return abs
}

// mustLoadConfig loads <root>/.dockhand.yaml, or the defaults when the
// project has none, then overlays DOCKHAND_* environment variables.
// A present but broken config is fatal.
func mustLoadConfig(root string) *config.Config {
	cfg, err := config.LoadOrDefault(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// lookupDatabaseURL finds DATABASE_URL in the process environment
// first, then in the project's .env file.
func lookupDatabaseURL(root string, cfg *config.Config) string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	vars, err := godotenv.Read(cfg.Checks.Paths.Resolve(root).EnvFile)
	if err != nil {
		return ""
	}
	return vars["DATABASE_URL"]
}
