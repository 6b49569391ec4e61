package bootstrap

import (
	"trigger_engine/internal/core"
	"trigger_engine/pkg/logging"
)

// InitLogger builds the structured logger from configuration.
func InitLogger(cfg *Config) (core.ILogger, error) {
	return logging.NewZapLogger(cfg.System.LogLevel)
}
