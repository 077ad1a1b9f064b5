package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// LevelNotice sits between Info and Warn, matching the syslog severity of
// the same name. Tunnel lifecycle events (connections, clean shutdowns,
// idle timeouts) are logged at this level.
const LevelNotice = slog.Level(2)

// Global structured logger. Initialized with a reasonable text handler.
var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(newTextHandler(os.Stderr, slog.LevelWarn))
	logger.Store(l)
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// New creates a new logger with given level, format ("text" or "json"), and optional writer (defaults stderr).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceNotice})
	default:
		h = newTextHandler(w, level)
	}
	return slog.New(h)
}

// LevelFromVerbosity maps a -v count to a minimum level:
// 0 warnings only, 1 notices, 2 informational, 3+ debug.
func LevelFromVerbosity(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelWarn
	case v == 1:
		return LevelNotice
	case v == 2:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Notice logs msg at LevelNotice.
func Notice(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LevelNotice, msg, args...)
}

func newTextHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceNotice})
}

// replaceNotice renders LevelNotice as NOTICE instead of slog's INFO+2.
func replaceNotice(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
			a.Value = slog.StringValue("NOTICE")
		}
	}
	return a
}
