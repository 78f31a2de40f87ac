package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// InitLogger configures the global logger. Workers pass FormatJSON so the
// supervisor, which inherits their stderr, gets one parseable line per entry.
func InitLogger(level, format string) error {
	return initLogger(os.Stderr, level, format)
}

func initLogger(out io.Writer, level, format string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(parsed)

	switch format {
	case FormatConsole, "":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	case FormatJSON:
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

func GetLogger() *zerolog.Logger {
	return &log.Logger
}

// Component returns a child of the global logger tagged with name.
func Component(name string) *zerolog.Logger {
	logger := log.Logger.With().Str("component", name).Logger()
	return &logger
}
