// Package rtplog provides the logging sink used throughout rtpproxy.
//
// It wraps log/slog with a small custom handler that timestamps,
// tags the level, and fans out to every writer passed to Init (the
// daemon passes stdout only; no log file is opened). Component
// loggers carry a "component" attribute, and per-session loggers carry
// call_id/tag as structured attributes — the Go equivalent of the original
// rtpp_log_open("rtpproxy", call_id, 0) per-session log handle.
package rtplog

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	globalLevel  = slog.LevelInfo
	handlerMutex sync.RWMutex
)

// SetLevel sets the global log level from a string ("debug", "info",
// "warn", "error").
func SetLevel(levelStr string) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = ParseLevel(levelStr)
}

// ParseLevel parses a string to an slog level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// handler supports multiple output writers with a single global level
// gate, matching the original rtpproxy's single log channel that can
// be reopened (LF_REOPEN) onto a file once daemonized.
type handler struct {
	outs  []io.Writer
	mu    *sync.Mutex
	attrs []slog.Attr
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

func (h *handler) Handle(_ context.Context, record slog.Record) error {
	handlerMutex.RLock()
	if record.Level < globalLevel {
		handlerMutex.RUnlock()
		return nil
	}
	handlerMutex.RUnlock()

	timestamp := record.Time.Format("2006-01-02T15:04:05.000")
	var attrs []string
	for _, a := range h.attrs {
		attrs = append(attrs, a.Key+"="+a.Value.String())
	}
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key+"="+a.Value.String())
		return true
	})

	line := "[" + timestamp + "] [" + strings.ToUpper(record.Level.String()) + "] " + record.Message
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	line += "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write([]byte(line))
		}
	}
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(string) slog.Handler {
	return h
}

// Init installs the default logger, writing to every output given.
func Init(outputs ...io.Writer) {
	slog.SetDefault(slog.New(&handler{outs: outputs, mu: &sync.Mutex{}}))
}

// Open returns a child logger scoped to one session, mirroring
// rtpp_log_open("rtpproxy", call_id, 0) in the original: every line
// it emits carries call_id and tag so a session's lifetime can be
// grepped out of the combined log.
func Open(callID, tag string) *slog.Logger {
	return slog.Default().With("call_id", callID, "tag", tag)
}

// Component returns a logger whose every line carries a
// component=name attribute identifying the subsystem.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
