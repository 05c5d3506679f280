// Package main provides the hgraphdb admin CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chentiantai/hgraphdb/pkg/config"
	"github.com/chentiantai/hgraphdb/pkg/graph"
	"github.com/chentiantai/hgraphdb/pkg/logging"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

// app carries the configuration resolved by the root command.
type app struct {
	cfg *config.Config
	log zerolog.Logger
}

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "hgraphdb",
		Short: "hgraphdb - property graphs with consistent secondary indexes on BadgerDB",
		Long: `hgraphdb stores property graphs in a sorted key-value store and keeps
secondary indexes consistent with element data without multi-row transactions.

This tool administers a graph directory: labels and schema, index lifecycle
(create, build, bulk load, deactivate, drop), stale entry sweeps, and a
Prometheus metrics endpoint.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default: search hgraphdb.yaml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before HGRAPHDB_* variables are read")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: json or console")
	rootCmd.PersistentFlags().Bool("schema", false, "Enable schema validation")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hgraphdb v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(a.labelCommand())
	rootCmd.AddCommand(a.indexCommand())
	rootCmd.AddCommand(a.vertexCommand())
	rootCmd.AddCommand(a.statsCommand())
	rootCmd.AddCommand(a.metricsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// load resolves configuration: .env, then the config file, then HGRAPHDB_*
// variables, then flags.
func (a *app) load(cmd *cobra.Command, args []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format, _ = cmd.Flags().GetString("log-format")
	}
	if cmd.Flags().Changed("schema") {
		cfg.Graph.UseSchema, _ = cmd.Flags().GetBool("schema")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.cfg = cfg
	a.log = logging.New(cfg.LoggerConfig())
	a.log.Debug().Str("config", cfg.String()).Str("file", path).Msg("configuration loaded")
	return nil
}

// open opens the graph described by the configuration. The caller closes it.
func (a *app) open() (*graph.Graph, error) {
	badgerOpts, err := a.cfg.BadgerOptions()
	if err != nil {
		return nil, err
	}
	g, err := graph.Open(badgerOpts, a.cfg.GraphOptions(a.log))
	if err != nil {
		return nil, fmt.Errorf("opening graph at %s: %w", a.cfg.Storage.DataDir, err)
	}
	return g, nil
}

// withGraph runs fn against an open graph with a context cancelled on
// SIGINT or SIGTERM.
func (a *app) withGraph(fn func(ctx context.Context, g *graph.Graph) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, err := a.open()
	if err != nil {
		return err
	}
	defer func() {
		if err := g.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing graph")
		}
	}()
	return fn(ctx, g)
}
