// Package logging provides structured logging using zerolog
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	Output io.Writer
}

// New creates a root logger for the given configuration
func New(cfg Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"

	switch strings.ToLower(cfg.Format) {
	case "", FormatConsole:
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: zerolog.TimeFieldFormat,
			NoColor:    true,
		}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}

// Component returns a child logger scoped to a named component
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Sensor returns a child logger scoped to a sensor
func Sensor(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("sensor", name).Logger()
}
