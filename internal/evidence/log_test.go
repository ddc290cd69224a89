package evidence

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"accessguard/internal/storage"
)

func newTestBook(t *testing.T) (*Book, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	book, err := NewBookWithClock(store, func() string { return "device-1" }, func() time.Time { return now }, nil)
	require.NoError(t, err)
	return book, store
}

func TestRecordAndReadAll(t *testing.T) {
	book, _ := newTestBook(t)
	ctx := context.Background()

	entry, err := book.Violations.Record(ctx, TypeFingerprintMismatch, Detail{"stored": "a", "current": "b"})
	require.NoError(t, err)

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, LogViolations, entry.Log)
	assert.Equal(t, "device-1", entry.DeviceID)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), entry.Timestamp)

	entries, err := book.Violations.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, "b", entries[0].Detail["current"])
}

func TestCapacityEvictsOldest(t *testing.T) {
	book, _ := newTestBook(t)
	ctx := context.Background()

	for i := 0; i < ViolationsCapacity+1; i++ {
		_, err := book.Violations.Record(ctx, TypeTamperIndicator, Detail{"seq": i})
		require.NoError(t, err)
	}

	entries, err := book.Violations.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, ViolationsCapacity)

	for i, e := range entries {
		assert.Equal(t, float64(i+1), e.Detail["seq"], "entry %d out of order", i)
	}
}

func TestSecurityCapacity(t *testing.T) {
	book, _ := newTestBook(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		_, err := book.Record(ctx, TypeRateLimitExceeded, Detail{"seq": i})
		require.NoError(t, err)
	}

	n, err := book.Security.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, SecurityCapacity, n)

	n, err = book.Violations.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBookRouting(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{TypeRateLimitExceeded, LogSecurity},
		{TypeAutomationSuspected, LogSecurity},
		{TypeTimingAnomaly, LogSecurity},
		{TypeFingerprintMismatch, LogViolations},
		{TypeLicenseTampered, LogViolations},
		{TypeDeviceLimitExceeded, LogViolations},
		{"something_new", LogViolations},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			book, _ := newTestBook(t)
			entry, err := book.Record(context.Background(), tt.eventType, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, entry.Log)
		})
	}
}

func TestEntriesAreNotAliased(t *testing.T) {
	book, _ := newTestBook(t)
	ctx := context.Background()

	detail := Detail{"count": 5}
	_, err := book.Violations.Record(ctx, TypeTamperIndicator, detail)
	require.NoError(t, err)
	detail["count"] = 99

	entries, err := book.Violations.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(5), entries[0].Detail["count"])
}

func TestCorruptLogIsDiscarded(t *testing.T) {
	book, store := newTestBook(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, LogViolations, []byte("{not json")))

	_, err := book.Violations.Record(ctx, TypeTamperIndicator, nil)
	require.NoError(t, err)

	n, err := book.Violations.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClear(t *testing.T) {
	book, _ := newTestBook(t)
	ctx := context.Background()

	_, err := book.Violations.Record(ctx, TypeTamperIndicator, nil)
	require.NoError(t, err)
	require.NoError(t, book.Violations.Clear(ctx))

	n, err := book.Violations.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubscribe(t *testing.T) {
	book, _ := newTestBook(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	cancel := book.Subscribe(func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Log+"/"+e.Type)
	})

	_, _ = book.Record(ctx, TypeAutomationSuspected, nil)
	_, _ = book.Record(ctx, TypeLicenseTampered, nil)
	cancel()
	cancel()
	_, _ = book.Record(ctx, TypeLicenseTampered, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		LogSecurity + "/" + TypeAutomationSuspected,
		LogViolations + "/" + TypeLicenseTampered,
	}, got)
}

func TestConcurrentRecord(t *testing.T) {
	book, _ := newTestBook(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := book.Violations.Record(ctx, TypeTamperIndicator, Detail{"seq": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := book.Violations.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestBookLogLookup(t *testing.T) {
	book, _ := newTestBook(t)

	l, err := book.Log(LogSecurity)
	require.NoError(t, err)
	assert.Same(t, book.Security, l)

	_, err = book.Log("audit")
	assert.Error(t, err)
}

func TestNewLogValidation(t *testing.T) {
	_, err := NewLog(storage.NewMemoryStore(), Options{Capacity: 1})
	assert.Error(t, err)
	_, err = NewLog(storage.NewMemoryStore(), Options{Name: "x"})
	assert.Error(t, err)
}

func TestExportXLSX(t *testing.T) {
	book, _ := newTestBook(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := book.Record(ctx, TypeFingerprintMismatch, Detail{"seq": i})
		require.NoError(t, err)
	}
	_, err := book.Record(ctx, TypeRateLimitExceeded, Detail{"count": 5})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ExportXLSX(ctx, &buf, book))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{LogViolations, LogSecurity}, f.GetSheetList())

	rows, err := f.GetRows(LogViolations)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Type", rows[0][1])
	assert.Equal(t, TypeFingerprintMismatch, rows[1][1])
	assert.Equal(t, "device-1", rows[1][3])
	assert.Equal(t, fmt.Sprintf(`{"seq":%d}`, 2), rows[3][4])

	rows, err = f.GetRows(LogSecurity)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, `{"count":5}`, rows[1][4])
}
