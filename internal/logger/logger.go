package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. Its zero value discards output,
	// so packages may log before Init is called.
	Logger zerolog.Logger

	// level is the configured level of Logger. The global level stays at
	// debug or below so ForComponent can lower a single component.
	level = zerolog.InfoLevel
)

// Init initializes the global logger
func Init(levelName string) {
	logLevel, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		logLevel = zerolog.InfoLevel
	}

	level = logLevel
	zerolog.SetGlobalLevel(min(logLevel, zerolog.DebugLevel))

	var output io.Writer = os.Stdout

	// Pretty console logging in development
	if os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	SetOutput(output)

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// SetOutput replaces the global logger with one writing to w.
func SetOutput(w io.Writer) {
	Logger = zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ForComponent is WithComponent with debug output forced on when debug is set,
// whatever level Init configured. Without debug it is capped at info.
func ForComponent(component string, debug bool) zerolog.Logger {
	log := WithComponent(component)
	if debug {
		return log.Level(min(log.GetLevel(), zerolog.DebugLevel))
	}
	return log.Level(max(log.GetLevel(), zerolog.InfoLevel))
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithError returns a logger with an error field
func WithError(err error) zerolog.Logger {
	return Logger.With().Err(err).Logger()
}
