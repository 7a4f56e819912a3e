package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger zerolog.Logger
	output io.Writer = os.Stderr
	format           = FORMAT_TEXT
)

const (
	LOG_INFO  = "info"
	LOG_DEBUG = "debug"
	LOG_WARN  = "warn"
	LOG_ERROR = "error"

	FORMAT_JSON = "json"
	FORMAT_TEXT = "text"
)

func init() {
	// Silent until a command turns logging on
	SetSilentMode(true)
}

// SetSilentMode configures whether logging should be silent or output to stderr
func SetSilentMode(silent bool) {
	if silent {
		output = io.Discard
	} else {
		output = os.Stderr
	}
	rebuild()
}

// SetFormat switches between JSON lines and the console writer
func SetFormat(f string) {
	if f != FORMAT_JSON {
		f = FORMAT_TEXT
	}
	format = f
	rebuild()
}

func rebuild() {
	w := output
	if format == FORMAT_TEXT && w != io.Discard {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// New returns the process logger
func New() zerolog.Logger {
	return logger
}

// GetLogger returns a logger tagged with the given component name
func GetLogger(component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// SetLevel sets the global log level
func SetLevel(level string) {
	switch level {
	case LOG_DEBUG:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LOG_WARN:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case LOG_ERROR:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
