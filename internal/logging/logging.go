// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// ParseLevel parses a level name, returning fallback for an empty or unknown
// name
func ParseLevel(name string, fallback zerolog.Level) zerolog.Level {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return fallback
	}
	return level
}

// Setup installs the global logger writing to w in the given format
func Setup(w io.Writer, level, format string) error {
	if w == nil {
		w = os.Stderr
	}

	switch strings.ToLower(format) {
	case "", FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	zerolog.SetGlobalLevel(ParseLevel(level, zerolog.InfoLevel))
	zerolog.DurationFieldUnit = time.Millisecond
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}
