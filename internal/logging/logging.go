package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var level = new(slog.LevelVar)

// Init configures the global slog logger on stderr. Call once at startup.
// levelStr: "debug", "info", "warn", "error" (default: "info").
// format: "text" or "json" (default: "text").
func Init(levelStr, format string) {
	InitTo(os.Stderr, levelStr, format)
}

// InitTo is Init with an explicit destination.
func InitTo(w io.Writer, levelStr, format string) {
	l, _ := ParseLevel(levelStr)
	level.Set(l)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// For returns a logger tagged with component. It resolves slog.Default() on
// every record, so package-level loggers follow later Init or CaptureForTest calls.
func For(component string) *slog.Logger {
	return slog.New(&dynamicHandler{component: component})
}

// SetLevel changes the log level at runtime.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps a level name to a slog.Level. Unknown names return
// LevelInfo and false; the empty string is accepted as info.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

type dynamicHandler struct {
	component string
	attrs     []slog.Attr
}

func (h *dynamicHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("component", h.component))
	r.AddAttrs(h.attrs...)
	return slog.Default().Handler().Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	return &dynamicHandler{component: h.component, attrs: append(merged, attrs...)}
}

// WithGroup is not supported; groups are flattened.
func (h *dynamicHandler) WithGroup(string) slog.Handler {
	return h
}
