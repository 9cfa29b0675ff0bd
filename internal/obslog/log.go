// Package obslog wraps zerolog into the process-wide, injectable logging
// sink the backup coordinator writes its event stream to. Every phase
// transition, retry, and rollback step goes through here so tests can swap
// the output writer and assert on what was logged instead of scraping
// stdout.
package obslog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance used by the CLI entry point. Library
// code should prefer an injected zerolog.Logger field over this global.
var Logger zerolog.Logger

// timestampLayout matches the "YYYY-MM-DD HH:MM:SS" format the backup
// coordinator's log stream is specified to use.
const timestampLayout = "2006-01-02 15:04:05"

// Level represents a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to os.Stderr, matching the coordinator's documented
	// "structured log stream on stderr" contract.
	Output io.Writer
}

// Init initializes the global logger from cfg.
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
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: timestampLayout,
		}).With().Timestamp().Logger()
	}
}

// New builds a standalone logger writing to w, for components (and tests)
// that want their own sink rather than the process-wide global.
func New(w io.Writer, jsonOutput bool) zerolog.Logger {
	if jsonOutput {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timestampLayout,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// WithBackupID returns a child logger tagged with the active backup ID.
func WithBackupID(l zerolog.Logger, backupID string) zerolog.Logger {
	return l.With().Str("backup_id", backupID).Logger()
}

// WithHost returns a child logger tagged with the host it is reporting about.
func WithHost(l zerolog.Logger, host string) zerolog.Logger {
	return l.With().Str("host", host).Logger()
}
