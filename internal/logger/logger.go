// Package logger provides structured logging using zerolog.
//
// Structured JSON output in production, pretty console output in
// development, and component-specific sub-loggers so log aggregation can
// slice by subsystem (gate, fastpath, broker, ...).
//
// Usage:
//
//	// Initialize once in main()
//	logger.Initialize("info", false) // production: JSON output
//	logger.Initialize("debug", true) // development: pretty output
//
//	logger.Gate().Warn().
//	  Str("session_id", sid).
//	  Str("reason", "target_mismatch").
//	  Msg("batch dropped")
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance for general application logging.
// For component-specific logging use the helpers below.
var Log zerolog.Logger

// Initialize sets up the global logger with the specified level and
// output format. Call once at startup before any logging occurs.
// Invalid levels fall back to info.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "beach-manager").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Gate creates a logger for Command Gate decisions
func Gate() *zerolog.Logger { return component("gate") }

// FastPath creates a logger for WebRTC fast-path events
func FastPath() *zerolog.Logger { return component("fastpath") }

// Broker creates a logger for broker stream events
func Broker() *zerolog.Logger { return component("broker") }

// Auth creates a logger for authentication events
func Auth() *zerolog.Logger { return component("auth") }

// Control creates a logger for control-channel events
func Control() *zerolog.Logger { return component("control") }

// Registry creates a logger for session registry events
func Registry() *zerolog.Logger { return component("registry") }

// Lease creates a logger for controller lease events
func Lease() *zerolog.Logger { return component("lease") }

// HTTP creates a logger for HTTP request events
func HTTP() *zerolog.Logger { return component("http") }
