// Package config loads runtime settings for the market-data service from
// the environment, the way the teacher's sibling services do it.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings is the full set of runtime options, all overridable via
// environment variables. Field tags mirror the LIGHTER_* variables in
// spec.md §6.
type Settings struct {
	WSURL string `env:"LIGHTER_WS_URL" envDefault:"wss://mainnet.zklighter.elliot.ai/stream"`

	PingInterval      time.Duration `env:"LIGHTER_WS_PING_INTERVAL" envDefault:"20s"`
	ReconnectBase     time.Duration `env:"LIGHTER_WS_RECONNECT_BASE" envDefault:"500ms"`
	ReconnectMax      time.Duration `env:"LIGHTER_WS_RECONNECT_MAX" envDefault:"30s"`
	UIDebounce        time.Duration `env:"LIGHTER_UI_DEBOUNCE" envDefault:"200ms"`
	FundingRefresh    time.Duration `env:"LIGHTER_FUNDING_REFRESH_SECONDS" envDefault:"60s"`
	FundingMinAssets  int           `env:"LIGHTER_FUNDING_MIN_ASSETS" envDefault:"3"`
	DashboardHost     string        `env:"LIGHTER_DASHBOARD_HOST" envDefault:"0.0.0.0"`
	DashboardPort     int           `env:"LIGHTER_DASHBOARD_PORT" envDefault:"8000"`
	MarketMetadata    string        `env:"LIGHTER_MARKET_METADATA" envDefault:"market_metadata.json"`
	LogLevel          string        `env:"LIGHTER_LOG_LEVEL" envDefault:"INFO"`
}

// minUIDebounce is the floor that Debounce applies before the value is
// handed to the store (spec.md §4.4): the configured debounce is never
// allowed to starve the flush scheduler.
const minUIDebounce = 50 * time.Millisecond

// Load reads environment variables (optionally seeded by a local .env file)
// into a validated Settings value.
func Load() (*Settings, error) {
	// A missing .env is expected in production and is not an error; only
	// local development relies on it.
	_ = godotenv.Load()

	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &s, nil
}

// Validate checks that all settings are usable.
func (s *Settings) Validate() error {
	if s.WSURL == "" {
		return fmt.Errorf("ws url is required")
	}
	if s.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be > 0")
	}
	if s.ReconnectBase <= 0 || s.ReconnectMax <= 0 {
		return fmt.Errorf("reconnect delays must be > 0")
	}
	if s.ReconnectBase > s.ReconnectMax {
		return fmt.Errorf("reconnect base (%s) cannot exceed reconnect max (%s)", s.ReconnectBase, s.ReconnectMax)
	}
	if s.FundingMinAssets < 1 {
		return fmt.Errorf("funding min assets must be >= 1")
	}
	if s.DashboardPort < 1 || s.DashboardPort > 65535 {
		return fmt.Errorf("dashboard port must be between 1 and 65535, got %d", s.DashboardPort)
	}
	return nil
}

// Debounce returns the per-market emit throttle with the spec's floor
// applied.
func (s *Settings) Debounce() time.Duration {
	if s.UIDebounce < minUIDebounce {
		return minUIDebounce
	}
	return s.UIDebounce
}
