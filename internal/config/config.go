// Package config loads process-wide engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables read by FromEnv.
const (
	// EnvTapePath selects the record/playback mode: unset means live, set
	// with the file absent means recording, set with the file present means
	// playback.
	EnvTapePath = "ROLLOUT_TAPE"
	// EnvMaxRetries is the per-rollout retry budget. 0 disables retries.
	EnvMaxRetries = "ROLLOUT_MAX_RETRIES"
	// EnvControlTimeout bounds each control-plane poll, e.g. "2s".
	EnvControlTimeout = "ROLLOUT_CONTROL_TIMEOUT"
)

// Config holds engine configuration shared by the run and watch commands.
type Config struct {
	// TapePath is the record/playback file. Empty means live mode.
	TapePath string
	// MaxRetries is the per-rollout retry budget.
	MaxRetries int
	// ControlTimeout bounds each control-plane status poll.
	ControlTimeout time.Duration
}

// Default returns the configuration used when no environment overrides are set.
func Default() *Config {
	return &Config{
		MaxRetries:     0,
		ControlTimeout: 2 * time.Second,
	}
}

// FromEnv builds a Config from the environment on top of defaults.
func FromEnv() (*Config, error) {
	cfg := Default()

	cfg.TapePath = os.Getenv(EnvTapePath)

	if v := os.Getenv(EnvMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvMaxRetries, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("%s must be >= 0, got %d", EnvMaxRetries, n)
		}
		cfg.MaxRetries = n
	}

	if v := os.Getenv(EnvControlTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvControlTimeout, err)
		}
		cfg.ControlTimeout = d
	}

	return cfg, nil
}
