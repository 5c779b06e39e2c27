package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/fitsync/internal/config"
	"github.com/BadgerOps/fitsync/internal/engine"
	"github.com/BadgerOps/fitsync/internal/events"
	"github.com/BadgerOps/fitsync/internal/providers"
	"github.com/BadgerOps/fitsync/internal/reporting"
	"github.com/BadgerOps/fitsync/internal/server"
	"github.com/BadgerOps/fitsync/internal/source"
	"github.com/BadgerOps/fitsync/internal/store"
	"github.com/BadgerOps/fitsync/internal/store/postgres"
)

// recordStore is what the sync engine writes to and the server reads from.
type recordStore interface {
	engine.RecordStore
	server.ActivityLister
}

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore     *store.Store
	globalRecords   recordStore
	globalPostgres  *postgres.Repository
	globalRegistry  *source.Registry
	globalManager   *engine.SyncManager
	globalPublisher events.Publisher
)

// initializeComponents opens the stores and builds the registry and sync
// manager from the persisted source configs.
func initializeComponents(ctx context.Context) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	dbPath := globalCfg.ResolvedDBPath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	switch globalCfg.Store.Driver {
	case "postgres":
		repo, err := postgres.Open(ctx, globalCfg.Store.PostgresURL)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres record store: %w", err)
		}
		globalPostgres = repo
		globalRecords = repo
	default:
		globalRecords = st
	}

	if err := reporting.Init(globalCfg.Observability.SentryDSN, globalCfg.Observability.Environment, version, logger); err != nil {
		logger.Warn("error reporting disabled", "error", err)
	}

	globalPublisher = events.Nop{}
	if len(globalCfg.Events.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(globalCfg.Events.KafkaBrokers, globalCfg.Events.Topic)
		if err != nil {
			return fmt.Errorf("failed to initialize event publisher: %w", err)
		}
		globalPublisher = pub
	}

	globalRegistry = source.NewRegistry(logger)
	globalRegistry.SetConcurrency(globalCfg.Sync.Concurrency)
	globalRegistry.SetPanicReporter(reporting.ReportPanic)

	globalManager = engine.NewSyncManager(globalRegistry, globalStore, logger)
	globalManager.SetPublisher(globalPublisher)
	globalManager.SetSourceFactory(providers.NewFactory(providers.Deps{
		Records:  globalRecords,
		Settings: globalStore,
		Sync:     syncSettings(globalCfg.Sync),
		Logger:   logger,
		BaseURL:  globalCfg.Server.BaseURL,
	}))

	if err := globalStore.SeedSourceConfigs(ctx, globalCfg.SourceConfigs()); err != nil {
		return fmt.Errorf("failed to seed source configs: %w", err)
	}
	if err := globalManager.ReconfigureSources(ctx); err != nil {
		return fmt.Errorf("failed to load sources: %w", err)
	}

	logger.Debug("components initialized", "sources", globalRegistry.Len(), "record_store", globalCfg.Store.Driver)
	return nil
}

func syncSettings(c config.SyncConfig) engine.Settings {
	return engine.Settings{
		MaxPages:       c.MaxPages,
		PageRetries:    c.PageRetries,
		RetryBaseDelay: c.RetryBaseDelay,
		MaxDuration:    c.MaxDuration,
		RequestTimeout: c.RequestTimeout,
	}
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return true
	}
	skipInitCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"config":     true,
		"completion": true,
	}
	return skipInitCmds[cmd.Name()]
}

// closeComponents releases everything initializeComponents opened.
func closeComponents() {
	if globalPublisher != nil {
		if err := globalPublisher.Close(); err != nil {
			logger.Error("failed to close event publisher", "error", err)
		}
	}
	if globalPostgres != nil {
		globalPostgres.Close()
	}
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
	reporting.Flush(2 * time.Second)
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fitsync",
		Short: "Sync fitness activities from Strava, Nike Run Club and local files",
		Long: `fitsync pulls activities from several fitness data sources, normalizes
them into one canonical model and reconciles them into a single activity
store. Sources are configured in the config file or through the HTTP API
and can be synced on demand, on a schedule, or over HTTP.`,
		Example: `  fitsync sync
  fitsync sync --source strava-main --since 2024-01-01
  fitsync serve --listen 0.0.0.0:8080
  fitsync sources list
  fitsync status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
				globalCfg.ApplyEnv(os.LookupEnv)
			}

			// Override with command-line flags if provided
			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}
			if err := globalCfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)
			}

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(cmd.Context()); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newSyncCmd(),
		newServeCmd(),
		newStatusCmd(),
		newSourcesCmd(),
		newRunsCmd(),
		newAuthCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
		"init":       true,
	}
	return skipConfigCmds[cmdName]
}

// splitList parses a comma-separated flag value.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
