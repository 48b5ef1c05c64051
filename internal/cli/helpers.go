package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/pagecraft/abtest/internal/config"
	"github.com/pagecraft/abtest/internal/engine"
	"github.com/pagecraft/abtest/internal/logging"
	"github.com/pagecraft/abtest/internal/store"
)

// loadConfig reads the config file and environment, then applies flag
// overrides.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.NewLoader().WithConfigPath(opts.configPath).Load()
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlagOverrides(cfg *config.Config, opts *globalOptions) {
	if opts.driver != "" {
		cfg.Storage.Driver = opts.driver
	}
	if opts.dbPath != "" {
		cfg.Storage.SQLitePath = opts.dbPath
		if opts.driver == "" {
			cfg.Storage.Driver = config.DriverSQLite
		}
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		return store.OpenRedis(ctx, cfg.Redis)
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return store.OpenSQLite(cfg.SQLitePath)
	}
}

// commandLogger keeps one-shot commands quiet on stdout.
func commandLogger() *zap.Logger {
	return logging.MustNew(config.LogConfig{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}})
}

// withService loads configuration, opens the store, executes fn with a
// ready service, and handles cleanup.
func withService(ctx context.Context, opts *globalOptions, fn func(*engine.Service, *config.Config) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	s, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	logger := commandLogger()
	defer logger.Sync() //nolint:errcheck

	svc := engine.New(s,
		engine.WithLogger(logger),
		engine.WithStatsOptions(cfg.StatsOptions()),
	)
	return fn(svc, cfg)
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
