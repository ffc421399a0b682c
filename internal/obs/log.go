package obs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu           sync.RWMutex
	base         = newLogger(os.Stdout)
	debugEnabled bool
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.SyncWriter(w)).With().Timestamp().Logger()
}

// EnableDebug globally enables debug logs. Call it once before serving.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects all log lines to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	base = newLogger(w)
	mu.Unlock()
}

type Fields map[string]any

func logWith(level zerolog.Level, msg string, f Fields) {
	mu.RLock()
	l := base
	mu.RUnlock()
	ev := l.WithLevel(level)
	if len(f) > 0 {
		ev = ev.Fields(map[string]any(f))
	}
	ev.Msg(msg)
}

func Info(msg string, f Fields)  { logWith(zerolog.InfoLevel, msg, f) }
func Error(msg string, f Fields) { logWith(zerolog.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) {
	mu.RLock()
	on := debugEnabled
	mu.RUnlock()
	if on {
		logWith(zerolog.DebugLevel, msg, f)
	}
}

// Fatal logs at fatal level and exits the process with status 1.
func Fatal(msg string, f Fields) {
	logWith(zerolog.FatalLevel, msg, f)
	os.Exit(1)
}
