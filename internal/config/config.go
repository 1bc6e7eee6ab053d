// Package config loads the sync engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable of the sync engine and the syncd binary.
type Config struct {
	// ItemsPerSyncRequest bounds the page size of every GetChanges request
	// and every ApplyChanges batch.
	ItemsPerSyncRequest int `env:"SYNC_ITEMS_PER_REQUEST" envDefault:"100"`

	// MaxIterations caps the number of full passes over the sync order in
	// one session before it ends with partial progress.
	MaxIterations int `env:"SYNC_MAX_ITERATIONS" envDefault:"10"`

	// Interval is the pause between background sync sessions.
	Interval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`

	// LocalDSN is the client-side SQLite database path.
	LocalDSN string `env:"SYNC_LOCAL_DSN" envDefault:"entsync.db"`

	// RemoteDSN is the server-side Postgres connection string.
	RemoteDSN string `env:"SYNC_REMOTE_DSN"`

	// PurgeRetention is how long soft-deleted rows are kept before the
	// permanent-deletion sweep removes them.
	PurgeRetention time.Duration `env:"SYNC_PURGE_RETENTION" envDefault:"720h"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("error getting env configs: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.ItemsPerSyncRequest <= 0 {
		return fmt.Errorf("%w: items per sync request must be positive, got %d", ErrInvalidConfig, c.ItemsPerSyncRequest)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: sync interval must be positive, got %s", ErrInvalidConfig, c.Interval)
	}
	return nil
}
