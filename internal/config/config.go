// Package config loads the bridge's immutable runtime configuration.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-derived setting the bridge reads at
// startup. It is loaded once in cmd/bridge/main.go and passed by value
// into every Manager; nothing mutates it afterward.
type Config struct {
	LayoutsDir     string `env:"LAYOUTS_DIR" envDefault:"/foxglove/layouts"`
	DataDir        string `env:"DATA_DIR" envDefault:"/foxglove/data"`
	Port           int    `env:"PORT" envDefault:"8080"`
	HistoryLookback string `env:"HISTORY_LOOKBACK" envDefault:"15m"`
	RetentionDays  int    `env:"RETENTION_DAYS" envDefault:"7"`

	// Derived, not read directly from the environment.
	MaxRingAge    time.Duration `env:"-"`
	RetentionSpan time.Duration `env:"-"`
}

// Load parses environment variables into a Config and resolves the
// derived duration fields. Falls back to the current working directory
// for LayoutsDir/DataDir when running outside the container paths is
// the caller's responsibility (spec.md §6 "or cwd fallback"); callers
// that want that behavior pass already-resolved defaults via env vars.
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	lookback, err := ParseLookback(cfg.HistoryLookback)
	if err != nil {
		return Config{}, fmt.Errorf("parse HISTORY_LOOKBACK: %w", err)
	}
	cfg.MaxRingAge = lookback

	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	cfg.RetentionSpan = time.Duration(cfg.RetentionDays) * 24 * time.Hour

	return cfg, nil
}

// Print writes a human-readable summary of the resolved configuration
// to stdout, matching the startup-log convention the teacher's services
// use before structured logging is wired up.
func (c Config) Print() {
	fmt.Printf("[bridge] layouts_dir=%s data_dir=%s port=%d history_lookback=%s retention_days=%d\n",
		c.LayoutsDir, c.DataDir, c.Port, c.HistoryLookback, c.RetentionDays)
}

// ParseLookback parses a "<int><s|m|h|d|w>" duration string as spec.md
// §4.3 defines for HISTORY_LOOKBACK and the per-client ?lookback= query
// parameter. An empty string yields zero with no error so callers can
// treat it as "use the default".
func ParseLookback(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	unit := s[len(s)-1]
	var mult time.Duration
	switch unit {
	case 's':
		mult = time.Second
	case 'm':
		mult = time.Minute
	case 'h':
		mult = time.Hour
	case 'd':
		mult = 24 * time.Hour
	case 'w':
		mult = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid lookback unit in %q", s)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid lookback value in %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative lookback %q", s)
	}

	return time.Duration(n) * mult, nil
}
