package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Capture collects slog records for test assertions.
type Capture struct {
	mu        sync.Mutex
	records   []slog.Record
	prev      *slog.Logger
	prevLevel slog.Level
}

// CaptureForTest installs a capturing handler as the global slog default at
// debug level. Call Restore when done.
func CaptureForTest() *Capture {
	c := &Capture{
		prev:      slog.Default(),
		prevLevel: level.Level(),
	}
	slog.SetDefault(slog.New(&captureHandler{capture: c}))
	SetLevel(slog.LevelDebug)
	return c
}

// Restore reinstates the previous global logger and level.
func (c *Capture) Restore() {
	slog.SetDefault(c.prev)
	level.Set(c.prevLevel)
}

// Records returns a copy of all captured records.
func (c *Capture) Records() []slog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]slog.Record(nil), c.records...)
}

// Has reports whether any record at level contains msgSubstring.
func (c *Capture) Has(level slog.Level, msgSubstring string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.Level == level && strings.Contains(r.Message, msgSubstring) {
			return true
		}
	}
	return false
}

// HasAttr reports whether any record containing msgSubstring carries key=value.
func (c *Capture) HasAttr(msgSubstring, key, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if !strings.Contains(r.Message, msgSubstring) {
			continue
		}
		found := false
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == key && a.Value.String() == value {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

// Count returns the number of records at level.
func (c *Capture) Count(level slog.Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

type captureHandler struct {
	capture *Capture
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.capture.mu.Lock()
	defer h.capture.mu.Unlock()
	h.capture.records = append(h.capture.records, r.Clone())
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }
