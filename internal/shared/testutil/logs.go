// Package testutil provides helpers for tests across the module.
package testutil

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// LogRecord is one captured log call.
type LogRecord struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

type logSink struct {
	mu      sync.Mutex
	records []LogRecord
}

// LogCapture is a slog.Handler that keeps every record in memory. Handlers
// derived with WithAttrs or WithGroup share the same records.
type LogCapture struct {
	sink   *logSink
	attrs  []slog.Attr
	prefix string
}

// NewLogCapture returns an empty capture.
func NewLogCapture() *LogCapture {
	return &LogCapture{sink: &logSink{}}
}

// NewTestLogger returns a logger writing into a new capture.
func NewTestLogger() (*slog.Logger, *LogCapture) {
	c := NewLogCapture()
	return slog.New(c), c
}

// Enabled captures every level.
func (c *LogCapture) Enabled(context.Context, slog.Level) bool { return true }

// Handle implements slog.Handler.
func (c *LogCapture) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(c.attrs)+r.NumAttrs())
	for _, a := range c.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[c.prefix+a.Key] = a.Value.Any()
		return true
	})

	c.sink.mu.Lock()
	c.sink.records = append(c.sink.records, LogRecord{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})
	c.sink.mu.Unlock()
	return nil
}

// WithAttrs implements slog.Handler.
func (c *LogCapture) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *c
	out.attrs = slices.Clone(c.attrs)
	for _, a := range attrs {
		a.Key = c.prefix + a.Key
		out.attrs = append(out.attrs, a)
	}
	return &out
}

// WithGroup implements slog.Handler. Group names become key prefixes.
func (c *LogCapture) WithGroup(name string) slog.Handler {
	if name == "" {
		return c
	}
	out := *c
	out.prefix = c.prefix + name + "."
	return &out
}

// Records returns a copy of everything captured so far.
func (c *LogCapture) Records() []LogRecord {
	c.sink.mu.Lock()
	defer c.sink.mu.Unlock()
	return slices.Clone(c.sink.records)
}

// Find returns the records at level whose message contains msg.
func (c *LogCapture) Find(level slog.Level, msg string) []LogRecord {
	var out []LogRecord
	for _, r := range c.Records() {
		if r.Level == level && strings.Contains(r.Message, msg) {
			out = append(out, r)
		}
	}
	return out
}

// Reset drops the captured records.
func (c *LogCapture) Reset() {
	c.sink.mu.Lock()
	c.sink.records = nil
	c.sink.mu.Unlock()
}

// AssertLogged fails t unless a record at level contains msg. It returns
// the first match.
func AssertLogged(t *testing.T, c *LogCapture, level slog.Level, msg string) LogRecord {
	t.Helper()
	found := c.Find(level, msg)
	if !assert.NotEmpty(t, found, "no %s record containing %q", level, msg) {
		for _, r := range c.Records() {
			t.Logf("  [%s] %s %v", r.Level, r.Message, r.Attrs)
		}
		return LogRecord{}
	}
	return found[0]
}

// AssertNoErrors fails t when any error-level record was captured.
func AssertNoErrors(t *testing.T, c *LogCapture) {
	t.Helper()
	for _, r := range c.Records() {
		if r.Level >= slog.LevelError {
			t.Errorf("unexpected error log: %s %v", r.Message, r.Attrs)
		}
	}
}
