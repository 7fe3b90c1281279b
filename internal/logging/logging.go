// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jamesprial/upsguard/internal/config"
	"github.com/rs/zerolog"
)

// New returns a logger writing to stderr. See NewWithWriter.
func New(cfg config.LogConfig) (zerolog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a logger at cfg.Level writing JSON lines, or
// human-readable console output when cfg.Format is "console". Every line
// carries a timestamp and service=upsguard.
func NewWithWriter(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	default:
		return zerolog.Nop(), fmt.Errorf("log format %q must be json or console", cfg.Format)
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "upsguard").
		Logger(), nil
}
