// Package logging centralizes zerolog setup for the daemon: one process
// logger, with a component sub-logger handed to each of C1-C8 and to
// cmd/relayd itself.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity, named to avoid leaking zerolog's own type
// into callers that only need to configure a level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the process-wide base logger. Components derive their own
// sub-logger from it via WithComponent rather than logging through this
// directly.
var Logger zerolog.Logger

// Init sets up Logger per cfg. Safe to call once at daemon startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the given component
// name, e.g. "router", "spawner", "ptywrapper".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithAgent returns a child logger additionally tagged with an agent name,
// for wrapper/spawner log sites that are scoped to one agent.
func WithAgent(base zerolog.Logger, agentName string) zerolog.Logger {
	return base.With().Str("agent", agentName).Logger()
}
