package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "vtx-core").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Plugins creates a logger for the plugin lifecycle manager and sandbox.
func Plugins() *zerolog.Logger {
	l := Log.With().Str("component", "plugins").Logger()
	return &l
}

// Jobs creates a logger for the job store and worker pool.
func Jobs() *zerolog.Logger {
	l := Log.With().Str("component", "jobs").Logger()
	return &l
}

// Store creates a logger for the persistence pool.
func Store() *zerolog.Logger {
	l := Log.With().Str("component", "store").Logger()
	return &l
}

// VFS creates a logger for the VFS broker.
func VFS() *zerolog.Logger {
	l := Log.With().Str("component", "vfs").Logger()
	return &l
}

// Gatekeeper creates a logger for the SQL gatekeeper.
func Gatekeeper() *zerolog.Logger {
	l := Log.With().Str("component", "gatekeeper").Logger()
	return &l
}

// EventBus creates a logger for the event bus.
func EventBus() *zerolog.Logger {
	l := Log.With().Str("component", "event_bus").Logger()
	return &l
}
