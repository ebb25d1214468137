// Package main is the entrypoint for the docbatch server and its maintenance commands.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/docbatch/internal/config"
	"github.com/kiranshivaraju/docbatch/internal/log"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/spf13/cobra"
)

var (
	flagEnvFile string
	flagVerbose bool

	flagOlderThan time.Duration
	flagLimit     int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("docbatch failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "docbatch",
		Short:         "Batch document analysis server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			slog.SetDefault(log.New(cmd.ErrOrStderr(), flagVerbose))
			return loadEnvFile(flagEnvFile)
		},
	}
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file loaded before reading configuration")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and report the schema version",
		RunE:  doMigrate,
	}

	staleClaims := &cobra.Command{
		Use:   "stale-claims",
		Short: "List items whose claim is older than a threshold",
		RunE:  doStaleClaims,
	}
	staleClaims.Flags().DurationVar(&flagOlderThan, "older-than", 10*time.Minute, "minimum claim age")
	staleClaims.Flags().IntVar(&flagLimit, "limit", 100, "maximum number of items listed")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Fprintln(out, "docbatch: version info not available")
				return
			}
			fmt.Fprintf(out, "docbatch: %s\n", info.Main.Version)
			fmt.Fprintf(out, "go:       %s\n", info.GoVersion)
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					fmt.Fprintf(out, "commit:   %s\n", s.Value)
				}
			}
		},
	}

	root.AddCommand(serveCmd, migrateCmd, staleClaims, version)
	return root
}

// loadEnvFile populates the environment from a dotenv file. Variables already set
// win, and a missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func doMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate requires STORE_DRIVER=%s", config.DriverPostgres)
	}
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return err
	}
	version, dirty, err := store.MigrationVersion(cfg.Database.URL)
	if err != nil {
		return err
	}
	slog.InfoContext(cmd.Context(), "database migrations applied", "version", version, "dirty", dirty)
	return nil
}

func doStaleClaims(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("stale-claims reads a shared store; STORE_DRIVER=%s holds no claims outside the server", cfg.Database.Driver)
	}
	if flagOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	st, closeStore, err := openStore(ctx, cfg.Database, false)
	if err != nil {
		return err
	}
	defer closeStore()

	items, err := st.ListStaleClaims(ctx, time.Now().Add(-flagOlderThan), flagLimit)
	if err != nil {
		return fmt.Errorf("list stale claims: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}
