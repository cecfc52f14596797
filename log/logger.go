package log

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Package-level diagnostic sink for the client engine: pool hits and
// misses, probe verdicts, skipped certificates, parse failures.
// Nothing depends on it for correctness; left unconfigured it writes
// info-and-above to stderr.

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// SetOutput redirects all diagnostic output, e.g. to io.Discard.
func SetOutput(w io.Writer) {
	mu.Lock()
	logger = logger.Output(w)
	mu.Unlock()
}

// SetLevel adjusts the minimum emitted level.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	logger = logger.Level(level)
	mu.Unlock()
}

func get() zerolog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	return l
}

// Debugf logs a debug event.
func Debugf(format string, v ...interface{}) {
	l := get()
	l.Debug().Msgf(format, v...)
}

// Infof logs an info event.
func Infof(format string, v ...interface{}) {
	l := get()
	l.Info().Msgf(format, v...)
}

// Warnf logs a warning.
func Warnf(format string, v ...interface{}) {
	l := get()
	l.Warn().Msgf(format, v...)
}

// Errorf logs err together with a formatted message.
func Errorf(err error, format string, v ...interface{}) {
	l := get()
	l.Error().Err(err).Msgf(format, v...)
}
