package observ

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stdout)
)

func newLogger(w io.Writer) zerolog.Logger {
	zerolog.TimestampFieldName = "ts"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).With().Timestamp().Logger()
}

// SetOutput redirects structured logs, mostly for tests.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = newLogger(w)
}

func Logger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log writes one JSON line carrying the event name and the given fields.
func Log(event string, kv map[string]any) {
	l := Logger()
	l.Info().Str("event", event).Fields(kv).Send()
}

// LogError is Log at error level with the error attached.
func LogError(event string, err error, kv map[string]any) {
	l := Logger()
	l.Error().Str("event", event).Err(err).Fields(kv).Send()
}
