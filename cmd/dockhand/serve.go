package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dockhand-sh/dockhand/internal/config"
	"github.com/dockhand-sh/dockhand/internal/server"
	"github.com/dockhand-sh/dockhand/internal/watch"
)

var (
	servePort       int
	serveConfigPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference HTTP service",
	Long: `Serve /health, /ready and /metrics behind the conventional middleware
stack: request ids, request logging, panic recovery, security headers
and per-client rate limiting.

Readiness probes are wired from what the project provides: the config
file (when present) and the database (when DATABASE_URL is set in the
environment or .env).

The server restarts itself when the config file changes and shuts down
gracefully on SIGINT/SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		root := resolveRoot()
		cfgPath := serveConfigPath
		if cfgPath == "" {
			cfgPath = filepath.Join(root, config.Filename)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cyan := color.New(color.FgCyan).SprintFunc()

		for {
			cfg := loadServeConfig(root, cfgPath)
			if servePort != 0 {
				cfg.Serve.Port = servePort
			}

			probes := server.NewProbeRegistry()
			if _, err := os.Stat(cfgPath); err == nil {
				_ = probes.Register("config", server.ConfigProbe(cfgPath))
			}
			if url := lookupDatabaseURL(root, cfg); url != "" {
				_ = probes.Register("database", server.DatabaseProbe(url))
			}

			srv := server.New(cfg.Serve, probes)
			srv.Version = version

			wctx, stopWatch, err := watch.UntilChange(ctx, []string{cfgPath}, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: config watch disabled: %v\n", err)
				wctx = ctx
				stopWatch = func() {}
			}

			// Any cancellation (signal or config change) drains the
			// server gracefully; Start below then returns.
			context.AfterFunc(wctx, func() {
				graceful, cancel := context.WithTimeout(context.Background(), server.ShutdownGrace)
				defer cancel()
				_ = srv.Shutdown(graceful)
			})

			probeList := strings.Join(probes.Names(), ", ")
			if probeList == "" {
				probeList = "none"
			}
			fmt.Printf("dockhand serve %s listening on %s (probes: %s)\n", version, srv.Addr(), probeList)

			err = srv.Start()
			stopWatch()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if ctx.Err() != nil {
				fmt.Println("shut down")
				return
			}

			fmt.Printf("%s %v, restarting\n", cyan("→"), context.Cause(wctx))
			time.Sleep(watch.Debounce)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides serve.port from config)")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file to serve from (default <root>/.dockhand.yaml)")
}

// loadServeConfig loads the explicit --config file, or falls back to
// the project config lookup.
func loadServeConfig(root, cfgPath string) *config.Config {
	if serveConfigPath != "" {
		cfg, err := config.Load(cfgPath)
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
	return mustLoadConfig(root)
}
