package cli

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arclight-ai/llmmeter/internal/config"
	"github.com/arclight-ai/llmmeter/pkg/llm"
	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/pricing"
	"github.com/arclight-ai/llmmeter/pkg/storage"
	"github.com/arclight-ai/llmmeter/pkg/tracker"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "llmmeter",
	Short: "llmmeter - LLM usage metering and cost aggregation",
	Long: `llmmeter meters LLM API usage: it performs completion calls through
stored provider configurations, records token counts, latency and cost for
every call, pre-aggregates hourly/daily/monthly series, and serves stats
over a CLI and an admin HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.llmmeter/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config. With a log file
// configured, output goes to both stderr and a size-rotated file.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		})
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// initStorage creates a storage backend from config.
func initStorage(cfg *config.Config) (storage.Storage, error) {
	return storage.NewSQLite(cfg.Storage.Path)
}

// initEstimator loads pricing tables from the configured directory. A
// missing directory yields an empty registry: calls are still metered,
// just without cost.
func initEstimator(cfg *config.Config) (*pricing.Registry, error) {
	registry := pricing.NewRegistry()
	if _, err := os.Stat(cfg.Pricing.Dir); os.IsNotExist(err) {
		return registry, nil
	}
	if err := registry.LoadDir(cfg.Pricing.Dir); err != nil {
		return nil, err
	}
	return registry, nil
}

// fallbackConfig builds the provider configuration consulted under the
// fallback resolution policy, or nil when none is configured.
func fallbackConfig(cfg *config.Config) *model.ProviderConfig {
	if cfg.Provider.Model == "" {
		return nil
	}
	return &model.ProviderConfig{
		Scope:    model.ScopeGlobal,
		Provider: cfg.Provider.Name,
		Params: model.ProviderParams{
			APIKey:  cfg.Provider.APIKey,
			Model:   cfg.Provider.Model,
			APIBase: cfg.Provider.APIBase,
		},
		IsActive: true,
	}
}

// initRecorder wires resolver, client, estimator and storage into a
// recorder.
func initRecorder(cfg *config.Config, logger *slog.Logger) (*tracker.Recorder, storage.Storage, error) {
	policy, err := tracker.ParsePolicy(cfg.Resolution.Policy)
	if err != nil {
		return nil, nil, err
	}

	store, err := initStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	estimator, err := initEstimator(cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	timeout, _ := time.ParseDuration(cfg.Provider.Timeout)
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	resolver := tracker.NewResolver(store, policy, fallbackConfig(cfg))
	client := llm.NewOpenAIClient(timeout)
	recorder := tracker.NewRecorder(resolver, client, estimator, store, logger)
	return recorder, store, nil
}
