package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// Config holds engine tunables from environment variables
type Config struct {
	// CalloutMax caps the number of live timers
	CalloutMax int `env:"KQ_CALLOUT_MAX" envDefault:"4096"`
	// AcquireBackoff bounds a contended knote acquire
	AcquireBackoff time.Duration `env:"KQ_ACQUIRE_BACKOFF" envDefault:"10ms"`
	// BatchSize is the event buffer handed to each wait
	BatchSize int `env:"KQ_BATCH_SIZE" envDefault:"64"`
	// LogLevel is a zap level name
	LogLevel string `env:"KQ_LOG_LEVEL" envDefault:"info"`
}

// Parse reads Config from the environment and validates it.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.CalloutMax <= 0 {
		return fmt.Errorf("KQ_CALLOUT_MAX must be positive, got %d", c.CalloutMax)
	}
	if c.AcquireBackoff <= 0 {
		return fmt.Errorf("KQ_ACQUIRE_BACKOFF must be positive, got %s", c.AcquireBackoff)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("KQ_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return lvl, fmt.Errorf("KQ_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
