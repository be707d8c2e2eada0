package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/signalbrief/briefd/config"
	srv "github.com/signalbrief/briefd/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "briefd"}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return srv.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to server.address)")

	var migDir string
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var dsn string
			if cfg, err := appconfig.LoadConfig(cfgPath); err == nil {
				dsn, _ = cfg.Storage.Postgres.DSN()
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var runDate string
	var force bool
	var run = &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			date := runDate
			if date == "" {
				date = time.Now().UTC().Format("2006-01-02")
			}
			ctx, cancel := context.WithTimeout(context.Background(), cfg.General.RunTimeout)
			defer cancel()
			return srv.RunOnce(ctx, cfg, date, force)
		},
	}
	run.Flags().StringVar(&runDate, "date", "", "run date YYYY-MM-DD (defaults to today UTC)")
	run.Flags().BoolVar(&force, "force", false, "re-run a completed date")

	root.AddCommand(serve, migrate, run)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
