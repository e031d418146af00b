package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"gamelog-ingester/ingester"
	"gamelog-ingester/logging"
)

var (
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gamelog-ingester",
		Short:         "Ingest game server logs into a deduplicated event store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file path")
	root.PersistentFlags().StringVar(&dbPath, "db", "gamelog.db", "SQLite database path (overrides database.path)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or console")

	root.AddCommand(ingestCmd())
	root.AddCommand(uploadCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(recalcCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(uploadsCmd())
	root.AddCommand(leaderboardCmd())
	root.AddCommand(playerCmd())
	root.AddCommand(itemsCmd())
	root.AddCommand(itemCmd())
	root.AddCommand(eventsSummaryCmd())
	root.AddCommand(dashboardCmd())
	return root
}

// loadConfig reads the optional config file, then lets flags given on the
// command line win over it.
func loadConfig(cmd *cobra.Command) (*ingester.Config, error) {
	cfg := ingester.DefaultConfig()
	if configPath != "" {
		fileCfg, err := ingester.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database.Path = dbPath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, nil
}

// setup loads the config and opens the database. The caller closes the DB.
func setup(cmd *cobra.Command) (*ingester.Config, *gorm.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := ingester.OpenDB(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func newRunner(cfg *ingester.Config, db *gorm.DB) (*ingester.Runner, error) {
	rc, err := cfg.RunnerConfig()
	if err != nil {
		return nil, err
	}
	return ingester.NewRunner(db, rc)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

