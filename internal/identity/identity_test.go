package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessguard/internal/evidence"
	"accessguard/internal/security"
	"accessguard/internal/storage"
)

type fakeEngine struct {
	mu         sync.Mutex
	components security.Components
	calls      int
}

func newFakeEngine() *fakeEngine {
	c := security.Components{}
	for i, name := range security.FieldOrder {
		c[name] = fmt.Sprintf("value-%d", i)
	}
	return &fakeEngine{components: c}
}

func (f *fakeEngine) Capture(context.Context) *security.DeviceFingerprint {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	c := make(security.Components, len(f.components))
	for k, v := range f.components {
		c[k] = v
	}
	return security.NewFingerprint(c, time.Now())
}

// drift changes the first n attributes.
func (f *fakeEngine) drift(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range security.FieldOrder[:n] {
		f.components[name] = "drifted-" + name
	}
}

type fixture struct {
	store  *storage.MemoryStore
	engine *fakeEngine
	book   *evidence.Book
	ids    *Store
	now    time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		engine: newFakeEngine(),
		now:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	book, err := evidence.NewBook(f.store, nil, nil)
	require.NoError(t, err)
	f.book = book
	opts.Evidence = book
	opts.Now = func() time.Time { return f.now }
	f.ids = New(f.store, f.engine, opts)
	book.SetDeviceSource(f.ids.CurrentID)
	return f
}

func (f *fixture) stored(t *testing.T) Record {
	t.Helper()
	data, err := f.store.Get(context.Background(), StorageKey)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func (f *fixture) violations(t *testing.T) []evidence.Entry {
	t.Helper()
	entries, err := f.book.Violations.ReadAll(context.Background())
	require.NoError(t, err)
	return entries
}

func TestGetOrCreateID(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	id, err := f.ids.GetOrCreateID(ctx)
	require.NoError(t, err)
	assert.Len(t, id, 64)
	assert.Equal(t, id, f.ids.CurrentID())

	f.engine.drift(5)
	again, err := f.ids.GetOrCreateID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again, "persisted id wins over a fresh capture")
	assert.Equal(t, 1, f.engine.calls)
}

func TestRegisterFirstUse(t *testing.T) {
	f := newFixture(t, Options{})

	res, err := f.ids.Register(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.False(t, res.Mismatch)
	assert.Equal(t, res.StoredID, res.CurrentID)
	assert.Equal(t, f.now, f.stored(t).Timestamp)
}

func TestRegisterSameDevice(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.ids.Register(ctx)
	require.NoError(t, err)
	f.now = f.now.Add(time.Hour)

	res, err := f.ids.Register(ctx)
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.False(t, res.Mismatch)
	assert.Equal(t, f.now, f.stored(t).Timestamp)
	assert.Empty(t, f.violations(t))
}

func TestRegisterMismatchKeepsStoredIdentity(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.ids.Register(ctx)
	require.NoError(t, err)

	f.engine.drift(1)
	f.now = f.now.Add(time.Hour)
	res, err := f.ids.Register(ctx)
	require.NoError(t, err)

	assert.False(t, res.IsNew)
	assert.True(t, res.Mismatch)
	assert.Equal(t, first.StoredID, res.StoredID)
	assert.NotEqual(t, res.StoredID, res.CurrentID)

	rec := f.stored(t)
	assert.Equal(t, first.StoredID, rec.ID)
	assert.Equal(t, f.now, rec.Timestamp)

	violations := f.violations(t)
	require.Len(t, violations, 1)
	assert.Equal(t, evidence.TypeFingerprintMismatch, violations[0].Type)
	assert.Equal(t, first.StoredID, violations[0].DeviceID)
}

func TestRegisterMismatchOverwrite(t *testing.T) {
	f := newFixture(t, Options{OverwriteOnMismatch: true})
	ctx := context.Background()

	_, err := f.ids.Register(ctx)
	require.NoError(t, err)
	f.engine.drift(1)

	res, err := f.ids.Register(ctx)
	require.NoError(t, err)
	assert.True(t, res.Mismatch)
	assert.Equal(t, res.CurrentID, f.stored(t).ID)
	assert.Equal(t, res.CurrentID, f.ids.CurrentID())
}

func TestVerifyThreshold(t *testing.T) {
	tests := []struct {
		drifted  int
		verified bool
		sim      float64
	}{
		{0, true, 1.0},
		{1, true, 0.9},
		{2, true, 0.8},
		{3, false, 0.7},
		{10, false, 0.0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d of 10 drifted", tt.drifted), func(t *testing.T) {
			f := newFixture(t, Options{})
			ctx := context.Background()
			_, err := f.ids.Register(ctx)
			require.NoError(t, err)

			f.engine.drift(tt.drifted)
			res, err := f.ids.Verify(ctx)
			require.NoError(t, err)

			assert.Equal(t, tt.verified, res.Verified)
			assert.InDelta(t, tt.sim, res.Similarity, 1e-9)
			assert.Len(t, res.Changed, tt.drifted)

			violations := f.violations(t)
			if tt.verified {
				assert.Empty(t, violations)
			} else {
				require.Len(t, violations, 1)
				assert.Equal(t, evidence.TypeDeviceVerificationFailed, violations[0].Type)
			}
		})
	}
}

func TestVerifyFirstUseRegisters(t *testing.T) {
	f := newFixture(t, Options{})

	res, err := f.ids.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.True(t, res.FirstUse)
	assert.NotEmpty(t, f.stored(t).ID)
}

func TestVerifyUpdatesTimestampOnlyOnSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.ids.Register(ctx)
	require.NoError(t, err)
	registeredAt := f.now

	f.now = f.now.Add(time.Hour)
	f.engine.drift(5)
	res, err := f.ids.Verify(ctx)
	require.NoError(t, err)
	require.False(t, res.Verified)
	assert.Equal(t, registeredAt, f.stored(t).Timestamp)
}

func TestCustomThreshold(t *testing.T) {
	f := newFixture(t, Options{Threshold: 0.95})
	ctx := context.Background()
	_, err := f.ids.Register(ctx)
	require.NoError(t, err)

	f.engine.drift(1)
	res, err := f.ids.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, 0.95, f.ids.Threshold())
}

func TestUnreadableRecordIsReplaced(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, StorageKey, []byte("garbage")))

	res, err := f.ids.Register(ctx)
	require.NoError(t, err)
	assert.True(t, res.IsNew)
}

func TestIdentitySurvivesRestart(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	id, err := f.ids.GetOrCreateID(ctx)
	require.NoError(t, err)

	restarted := New(f.store, f.engine, Options{})
	assert.Empty(t, restarted.CurrentID())

	res, err := restarted.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, 1.0, res.Similarity)
	assert.Equal(t, id, restarted.CurrentID())
}
