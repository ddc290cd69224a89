package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"accessguard/internal/storage"
)

// Book holds the violations and security logs and routes events between them.
type Book struct {
	Violations *Log
	Security   *Log
}

// NewBook creates both logs over store with their standard capacities.
func NewBook(store storage.Store, deviceID func() string, logger *slog.Logger) (*Book, error) {
	return NewBookWithClock(store, deviceID, time.Now, logger)
}

// NewBookWithClock is NewBook with an explicit time source.
func NewBookWithClock(store storage.Store, deviceID func() string, now func() time.Time, logger *slog.Logger) (*Book, error) {
	violations, err := NewLog(store, Options{
		Name: LogViolations, Capacity: ViolationsCapacity,
		DeviceID: deviceID, Now: now, Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	security, err := NewLog(store, Options{
		Name: LogSecurity, Capacity: SecurityCapacity,
		DeviceID: deviceID, Now: now, Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return &Book{Violations: violations, Security: security}, nil
}

// Record appends to the log the event type belongs to.
func (b *Book) Record(ctx context.Context, eventType string, detail Detail) (Entry, error) {
	return b.logFor(eventType).Record(ctx, eventType, detail)
}

func (b *Book) logFor(eventType string) *Log {
	if LogFor(eventType) == LogSecurity {
		return b.Security
	}
	return b.Violations
}

// Log returns a log by name.
func (b *Book) Log(name string) (*Log, error) {
	switch name {
	case LogViolations:
		return b.Violations, nil
	case LogSecurity:
		return b.Security, nil
	default:
		return nil, fmt.Errorf("unknown evidence log %q", name)
	}
}

// Logs returns both logs in a stable order.
func (b *Book) Logs() []*Log {
	return []*Log{b.Violations, b.Security}
}

// SetDeviceSource updates the device id source on both logs.
func (b *Book) SetDeviceSource(fn func() string) {
	for _, l := range b.Logs() {
		l.SetDeviceSource(fn)
	}
}

// Subscribe registers fn on both logs.
func (b *Book) Subscribe(fn func(Entry)) (cancel func()) {
	cancels := make([]func(), 0, 2)
	for _, l := range b.Logs() {
		cancels = append(cancels, l.Subscribe(fn))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
