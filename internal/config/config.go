// Package config loads service configuration from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all service configuration. Every field maps to a
// LEDGER_* environment variable; zero PostgresDSN selects the
// in-memory stores.
type Config struct {
	// PostgresDSN selects the Postgres stores when set. Empty runs the
	// service on in-memory stores.
	PostgresDSN   string `env:"LEDGER_POSTGRES_DSN"`
	MigrationsDir string `env:"LEDGER_MIGRATIONS_DIR" envDefault:"migrations"`

	MetricsAddr string `env:"LEDGER_METRICS_ADDR" envDefault:":9091"`
	LogLevel    string `env:"LEDGER_LOG_LEVEL" envDefault:"info"`

	// LiquidationSweepSpec and HoldSweepSpec are cron expressions with
	// seconds granularity.
	LiquidationSweepSpec string `env:"LEDGER_LIQUIDATION_SWEEP_SPEC" envDefault:"*/5 * * * * *"`
	HoldSweepSpec        string `env:"LEDGER_HOLD_SWEEP_SPEC" envDefault:"0 * * * * *"`

	QuoteCurrency string `env:"LEDGER_QUOTE_CURRENCY" envDefault:"USDT"`

	// PriceMaxAge bounds how stale a mark price may be before the
	// liquidation sweep skips the symbol. Zero disables the check.
	PriceMaxAge time.Duration `env:"LEDGER_PRICE_MAX_AGE" envDefault:"30s"`

	IdempotencyCacheSize int `env:"LEDGER_IDEMPOTENCY_CACHE_SIZE" envDefault:"100000"`

	ShutdownTimeout time.Duration `env:"LEDGER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.IdempotencyCacheSize <= 0 {
		return nil, fmt.Errorf("LEDGER_IDEMPOTENCY_CACHE_SIZE must be positive")
	}
	return &cfg, nil
}
