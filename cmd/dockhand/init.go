package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dockhand-sh/dockhand/internal/config"
	"github.com/dockhand-sh/dockhand/internal/scaffold"
)

var (
	initForce bool
	initOnly  []string
)

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Scaffold the deployment conventions into a project",
	Long: `Lay down the conventional deployment surface in the project root:

  Dockerfile, .dockerignore, .gitignore
  docker-compose.yml, .env.example
  .github/workflows/ci.yml
  deploy/k8s/*.yaml, deploy/nginx/dockhand.conf
  scripts/backup.sh, scripts/restore.sh
  mise.toml, .dockhand.yaml

Existing files are left alone unless --force; files already matching
the rendered template count as up to date. If no name is given and no
.dockhand.yaml exists yet, the directory name is used.

Example:
  dockhand init
  dockhand init myapp
  dockhand init --only Dockerfile,ci.yml
  dockhand init --force`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root := resolveRoot()
		cfg := mustLoadConfig(root)

		name := ""
		if len(args) > 0 {
			name = args[0]
		} else if _, err := os.Stat(filepath.Join(root, config.Filename)); errors.Is(err, os.ErrNotExist) {
			name = filepath.Base(root)
		}
		if name != "" {
			cfg.Project.Name = name
		}
		vars := scaffold.VarsFromConfig(cfg)

		actions, err := scaffold.Plan(root, vars, initOnly)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		written, err := scaffold.Apply(actions, initForce)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		wrote := make(map[string]bool, len(written))
		for _, a := range written {
			wrote[a.File.Name] = true
		}

		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s Scaffolding %s in %s\n\n", cyan("→"), cyan(vars.Name), root)

		skipped := 0
		for _, a := range actions {
			switch {
			case wrote[a.File.Name] && a.State == scaffold.StateOverwrite:
				fmt.Printf("  %s %s (replaced)\n", yellow("⚠"), a.File.Name)
			case wrote[a.File.Name]:
				fmt.Printf("  %s %s\n", green("✓"), a.File.Name)
			case a.State == scaffold.StateOverwrite:
				skipped++
				fmt.Printf("  %s %s %s\n", gray("•"), a.File.Name, gray("(exists, use --force to replace)"))
			default:
				skipped++
				fmt.Printf("  %s %s %s\n", gray("•"), a.File.Name, gray("(up to date)"))
			}
		}

		fmt.Printf("\n  Wrote %d files, skipped %d.\n", len(written), skipped)

		fmt.Printf("\n%s Next steps:\n", gray("→"))
		fmt.Printf("  %s\n", gray("cp .env.example .env   # then fill in real values"))
		fmt.Printf("  %s\n", gray("dockhand audit"))
		fmt.Printf("  %s\n", gray("docker compose up --build"))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Replace existing files that differ from the templates")
	initCmd.Flags().StringSliceVar(&initOnly, "only", nil, "Scaffold only the named files (comma separated)")
}
