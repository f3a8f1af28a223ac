package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/certfleet/internal/config"
)

// NewLogger creates a structured zerolog.Logger with engine context fields
// from the config. Non-empty fields are added automatically.
func NewLogger(cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp().Str("service", "certfleet")

	if cfg.NodeID != "" {
		ctx = ctx.Str("node_id", cfg.NodeID)
	}
	if cfg.DefaultCA != "" {
		ctx = ctx.Str("default_ca", cfg.DefaultCA)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
