package bootstrap

import (
	"fmt"
	"trigger_engine/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader. An empty path
// configures from the environment alone.
func LoadConfig(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path == "" {
		cfg, err = config.FromEnv()
	} else {
		cfg, err = config.LoadConfig(path)
	}
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Engine.Enabled && cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required when the engine is enabled")
	}
	if cfg.Engine.Enabled && cfg.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required when the engine is enabled")
	}
	return nil
}
