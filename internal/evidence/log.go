package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"accessguard/internal/storage"
)

// Options configures a Log.
type Options struct {
	// Name is both the log name and its storage key.
	Name     string
	Capacity int
	// DeviceID stamps entries; it must not capture a fingerprint itself.
	DeviceID func() string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Log is a capped FIFO of entries persisted as a JSON array.
type Log struct {
	store    storage.Store
	name     string
	capacity int
	deviceID func() string
	now      func() time.Time
	logger   *slog.Logger
	recorded metric.Int64Counter

	mu          sync.Mutex
	subMu       sync.RWMutex
	subscribers map[int]func(Entry)
	nextSub     int
}

// NewLog creates a log over store.
func NewLog(store storage.Store, opts Options) (*Log, error) {
	if opts.Name == "" {
		return nil, errors.New("log name is required")
	}
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("log %s: capacity must be positive", opts.Name)
	}
	if opts.DeviceID == nil {
		opts.DeviceID = func() string { return "" }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	counter, err := otel.Meter("accessguard/evidence").Int64Counter(
		"evidence_entries_total",
		metric.WithDescription("Evidence entries recorded"),
	)
	if err != nil {
		return nil, fmt.Errorf("create evidence counter: %w", err)
	}

	return &Log{
		store:       store,
		name:        opts.Name,
		capacity:    opts.Capacity,
		deviceID:    opts.DeviceID,
		now:         opts.Now,
		logger:      opts.Logger.With(slog.String("component", "evidence"), slog.String("log", opts.Name)),
		recorded:    counter,
		subscribers: make(map[int]func(Entry)),
	}, nil
}

// Name returns the log name.
func (l *Log) Name() string { return l.name }

// Capacity returns the maximum number of retained entries.
func (l *Log) Capacity() int { return l.capacity }

// SetDeviceSource replaces the function used to stamp device ids.
func (l *Log) SetDeviceSource(fn func() string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn != nil {
		l.deviceID = fn
	}
}

// Record appends an entry, evicting the oldest ones beyond capacity.
func (l *Log) Record(ctx context.Context, eventType string, detail Detail) (Entry, error) {
	l.mu.Lock()

	entry := Entry{
		ID:        uuid.NewString(),
		Log:       l.name,
		Type:      eventType,
		Timestamp: l.now().UTC(),
		DeviceID:  l.deviceID(),
		Detail:    cloneDetail(detail),
	}

	entries, err := l.load(ctx)
	if err != nil {
		l.mu.Unlock()
		return Entry{}, err
	}
	entries = append(entries, entry)
	if over := len(entries) - l.capacity; over > 0 {
		entries = append([]Entry(nil), entries[over:]...)
	}
	if err := l.save(ctx, entries); err != nil {
		l.mu.Unlock()
		return Entry{}, err
	}
	l.mu.Unlock()

	l.recorded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("log", l.name),
		attribute.String("type", eventType),
	))
	l.logger.WarnContext(ctx, "Evidence recorded",
		slog.String("type", eventType),
		slog.String("entry_id", entry.ID),
		slog.String("device_id", entry.DeviceID),
	)

	l.notify(entry)
	return entry, nil
}

// ReadAll returns the entries oldest first.
func (l *Log) ReadAll(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}

// Len returns the number of retained entries.
func (l *Log) Len(ctx context.Context) (int, error) {
	entries, err := l.ReadAll(ctx)
	return len(entries), err
}

// Clear removes every entry.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Delete(ctx, l.name); err != nil {
		return fmt.Errorf("clear %s: %w", l.name, err)
	}
	l.logger.InfoContext(ctx, "Evidence log cleared")
	return nil
}

// Subscribe registers fn for every recorded entry. fn runs synchronously
// after the entry is persisted. The returned function unsubscribes.
func (l *Log) Subscribe(fn func(Entry)) (cancel func()) {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = fn
	l.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subscribers, id)
			l.subMu.Unlock()
		})
	}
}

func (l *Log) notify(e Entry) {
	l.subMu.RLock()
	subs := make([]func(Entry), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	l.subMu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}

// load must be called with l.mu held. A corrupt array is discarded.
func (l *Log) load(ctx context.Context) ([]Entry, error) {
	data, err := l.store.Get(ctx, l.name)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.name, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.WarnContext(ctx, "Discarding unreadable evidence log",
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return entries, nil
}

func (l *Log) save(ctx context.Context, entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", l.name, err)
	}
	if err := l.store.Set(ctx, l.name, data); err != nil {
		return fmt.Errorf("write %s: %w", l.name, err)
	}
	return nil
}

func cloneDetail(d Detail) Detail {
	if d == nil {
		return nil
	}
	out := make(Detail, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
