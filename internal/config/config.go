// Package config loads process settings from the environment and the session
// profile from YAML.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable name, e.g. TERMDECK_DATA_PATH.
const EnvPrefix = "TERMDECK"

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	ProfilePath  string `envconfig:"PROFILE_PATH" default:"termdeck.yaml"`

	LogPath   string `envconfig:"LOG_PATH" default:""`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Directory cache settings
	ShowHidden         bool          `envconfig:"SHOW_HIDDEN" default:"false"`
	PreloadLimit       int           `envconfig:"PRELOAD_LIMIT" default:"5"`
	PreloadConcurrency int           `envconfig:"PRELOAD_CONCURRENCY" default:"5"`
	LoadRetryAttempts  int           `envconfig:"LOAD_RETRY_ATTEMPTS" default:"5"`
	LoadRetryDelay     time.Duration `envconfig:"LOAD_RETRY_DELAY" default:"1s"`
	RevalidateSchedule string        `envconfig:"REVALIDATE_SCHEDULE" default:"@every 30s"`

	// Terminal session settings
	ScrollbackSize   int           `envconfig:"SCROLLBACK_SIZE" default:"1048576"`
	HistoryRetention time.Duration `envconfig:"HISTORY_RETENTION" default:"720h"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:"127.0.0.1:9464"`
}

// Load reads settings from TERMDECK_* variables and fills derived defaults.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "history.db")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the cache and retry policy cannot run with.
func (s Settings) Validate() error {
	if s.PreloadLimit < 0 {
		return fmt.Errorf("config: PRELOAD_LIMIT must be >= 0, got %d", s.PreloadLimit)
	}
	if s.PreloadConcurrency < 1 {
		return fmt.Errorf("config: PRELOAD_CONCURRENCY must be >= 1, got %d", s.PreloadConcurrency)
	}
	if s.LoadRetryAttempts < 1 {
		return fmt.Errorf("config: LOAD_RETRY_ATTEMPTS must be >= 1, got %d", s.LoadRetryAttempts)
	}
	if s.LoadRetryDelay < 0 {
		return fmt.Errorf("config: LOAD_RETRY_DELAY must not be negative")
	}
	return nil
}
