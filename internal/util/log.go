package util

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	logMu           sync.RWMutex
	currentLogLevel = LevelInfo
	logger          = newLogger(os.Stderr, IsTerminal(os.Stderr.Fd()))
)

func newLogger(w io.Writer, console bool) zerolog.Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetOutput redirects all log output. Console formatting is used when the
// writer is an interactive terminal.
func SetOutput(w io.Writer, console bool) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = newLogger(w, console).Level(toZerolog(currentLogLevel))
}

// SetLogLevel sets the minimum log level to display
func SetLogLevel(level LogLevel) {
	logMu.Lock()
	defer logMu.Unlock()
	currentLogLevel = level
	logger = logger.Level(toZerolog(level))
}

// SetVerbose enables verbose (debug) logging
func SetVerbose(verbose bool) {
	if verbose {
		SetLogLevel(LevelDebug)
	}
}

// SetQuiet enables quiet mode (errors only)
func SetQuiet(quiet bool) {
	if quiet {
		SetLogLevel(LevelError)
	}
}

// IsQuiet reports whether only errors are logged
func IsQuiet() bool {
	logMu.RLock()
	defer logMu.RUnlock()
	return currentLogLevel >= LevelError
}

func IsVerbose() bool {
	logMu.RLock()
	defer logMu.RUnlock()
	return currentLogLevel == LevelDebug
}

// Logger returns the process-wide structured logger. Use it when a log line
// carries values that telemetry needs to parse (counts, paths, durations).
func Logger() *zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	l := logger
	return &l
}

// DebugLog logs debug messages
func DebugLog(format string, args ...interface{}) {
	Logger().Debug().Msgf(format, args...)
}

// InfoLog logs informational messages
func InfoLog(format string, args ...interface{}) {
	Logger().Info().Msgf(format, args...)
}

// WarnLog logs warning messages
func WarnLog(format string, args ...interface{}) {
	Logger().Warn().Msgf(format, args...)
}

// ErrorLog logs error messages
func ErrorLog(format string, args ...interface{}) {
	Logger().Error().Msgf(format, args...)
}

// SuccessLog logs success messages (always shown unless quiet)
func SuccessLog(format string, args ...interface{}) {
	Logger().Info().Bool("ok", true).Msgf(format, args...)
}

// Timestamp formats t the way backup files and event logs are named
func Timestamp(t time.Time) string {
	return t.Format("20060102-150405")
}
