package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accessguard/internal/evidence"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []evidence.Entry
}

func (r *captureRecorder) Record(_ context.Context, eventType string, detail evidence.Detail) (evidence.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := evidence.Entry{Type: eventType, Detail: detail}
	r.entries = append(r.entries, e)
	return e, nil
}

func (r *captureRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Type)
	}
	return out
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock, *captureRecorder) {
	clock := newClock()
	rec := &captureRecorder{}
	l := New(cfg,
		WithClock(clock.Now),
		WithRecorder(rec),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return l, clock, rec
}

func TestAllowBlocksAtLimitAndResetsAfterBlock(t *testing.T) {
	l, clock, rec := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.AllowLimit(ctx, "x", 5), "call %d", i+1)
		clock.Advance(time.Second)
	}
	assert.False(t, l.AllowLimit(ctx, "x", 5))

	snap := l.Snapshot()
	assert.True(t, snap.Blocked)
	require.NotNil(t, snap.BlockUntil)
	assert.Equal(t, clock.Now().Add(5*time.Minute), *snap.BlockUntil)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, evidence.TypeRateLimitExceeded, rec.entries[0].Type)
	assert.Equal(t, 5, rec.entries[0].Detail["count"])

	clock.Advance(4 * time.Minute)
	assert.False(t, l.AllowLimit(ctx, "x", 5), "still blocked")
	assert.Len(t, rec.entries, 1, "no new record while blocked")

	clock.Advance(time.Minute)
	assert.True(t, l.AllowLimit(ctx, "x", 5))
	snap = l.Snapshot()
	assert.False(t, snap.Blocked)
	assert.Equal(t, 1, snap.Counts["x"])
	assert.Equal(t, 1, snap.Events)
}

func TestWindowEviction(t *testing.T) {
	l, clock, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.AllowLimit(ctx, "x", 3))
	}
	clock.Advance(60 * time.Second)
	assert.True(t, l.AllowLimit(ctx, "x", 3), "events at exactly the window edge are evicted")
	assert.Equal(t, 1, l.Snapshot().Counts["x"])
}

func TestGlobalBlockCouplesActions(t *testing.T) {
	l, _, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	require.True(t, l.AllowLimit(ctx, ActionContentExport, 1))
	require.False(t, l.AllowLimit(ctx, ActionContentExport, 1))
	assert.False(t, l.Allow(ctx, ActionContentView), "global block stops every action")
}

func TestActionScopeIsolatesBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scope = ScopeAction
	cfg.Window = 10 * time.Minute
	l, clock, _ := newTestLimiter(cfg)
	ctx := context.Background()

	require.True(t, l.AllowLimit(ctx, ActionContentExport, 1))
	require.False(t, l.AllowLimit(ctx, ActionContentExport, 1))
	assert.True(t, l.Allow(ctx, ActionContentView))

	snap := l.Snapshot()
	assert.True(t, snap.Blocked)
	assert.Contains(t, snap.Blocks, ActionContentExport)
	assert.NotContains(t, snap.Blocks, ActionContentView)
	require.NotNil(t, snap.BlockUntil)
	assert.Equal(t, 5*time.Minute, snap.RetryAfter)

	clock.Advance(2 * time.Minute)
	require.True(t, l.AllowLimit(ctx, ActionContentPrint, 1))
	require.False(t, l.AllowLimit(ctx, ActionContentPrint, 1))
	snap = l.Snapshot()
	assert.Len(t, snap.Blocks, 2)
	assert.Equal(t, snap.Blocks[ActionContentPrint], *snap.BlockUntil, "latest block wins")
	assert.Equal(t, 5*time.Minute, snap.RetryAfter)

	clock.Advance(3 * time.Minute)
	assert.True(t, l.AllowLimit(ctx, ActionContentExport, 1))
	assert.Equal(t, 1, l.Snapshot().Counts[ActionContentView], "other namespaces keep their history")
}

func TestLimitResolution(t *testing.T) {
	l := New(Config{Limits: map[string]int{ActionContentPrint: 3, "custom": 7}})
	assert.Equal(t, 120, l.LimitFor(ActionContentView))
	assert.Equal(t, 3, l.LimitFor(ActionContentPrint))
	assert.Equal(t, 7, l.LimitFor("custom"))
	assert.Equal(t, 60, l.LimitFor("never.seen"))
	assert.Equal(t, 10, DefaultLimits[ActionContentPrint], "defaults are not mutated")
}

func TestDefaultLimitApplied(t *testing.T) {
	l, _, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.True(t, l.Allow(ctx, ActionContentExport))
	}
	assert.False(t, l.Allow(ctx, ActionContentExport))
}

func TestLooksAutomatedConstantSpacing(t *testing.T) {
	l, clock, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.True(t, l.Allow(ctx, ActionContentView))
		clock.Advance(100 * time.Millisecond)
	}
	assert.True(t, l.LooksAutomated())
}

func TestLooksAutomatedJitteredSpacing(t *testing.T) {
	l, clock, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	gaps := []time.Duration{100, 300, 150, 400, 120, 280, 90, 350, 200, 110, 330, 160, 240, 180, 260}
	for _, g := range gaps {
		require.True(t, l.Allow(ctx, ActionContentView))
		clock.Advance(g * time.Millisecond)
	}
	assert.False(t, l.LooksAutomated())
}

func TestLooksAutomatedNeedsEnoughGaps(t *testing.T) {
	l, clock, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.True(t, l.Allow(ctx, ActionContentView))
		clock.Advance(100 * time.Millisecond)
	}
	assert.False(t, l.LooksAutomated(), "10 events give only 9 gaps")
}

func TestLooksAutomatedBurst(t *testing.T) {
	l, clock, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 21; i++ {
		require.True(t, l.Allow(ctx, ActionContentView))
		clock.Advance(time.Duration(50+(i%3)*70) * time.Millisecond)
	}
	assert.True(t, l.LooksAutomated())

	clock.Advance(5 * time.Second)
	assert.Equal(t, 21, l.Snapshot().Events)
}

func TestVariance(t *testing.T) {
	assert.Equal(t, 0.0, variance(nil))
	assert.Equal(t, 0.0, variance([]float64{4, 4, 4}))
	assert.InDelta(t, 4.0, variance([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-9)
}

func TestWrapDenialHasNoSideEffects(t *testing.T) {
	l, _, _ := newTestLimiter(Config{Limits: map[string]int{"x": 1}})
	ctx := context.Background()

	var calls int32
	op := Wrap(l, "x", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, op(ctx))
	err := op(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "x", rle.Action)
	assert.Equal(t, 5*time.Minute, rle.RetryAfter)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWrapAutomation(t *testing.T) {
	l, clock, rec := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	var calls int
	op := Wrap(l, ActionContentView, func(context.Context) error {
		calls++
		return nil
	})

	var err error
	for i := 0; i < 12; i++ {
		err = op(ctx)
		clock.Advance(100 * time.Millisecond)
	}
	assert.ErrorIs(t, err, ErrAutomation)
	assert.Equal(t, 10, calls, "the call that tripped the heuristic never ran")
	assert.Contains(t, rec.types(), evidence.TypeAutomationSuspected)
}

func TestGuard(t *testing.T) {
	l, _, _ := newTestLimiter(Config{Limits: map[string]int{"read": 1}})
	ctx := context.Background()

	v, err := Guard(ctx, l, "read", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	v, err = Guard(ctx, l, "read", func(context.Context) (string, error) { return "ran", nil })
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Empty(t, v)
}

func TestEvaluateAdvisory(t *testing.T) {
	l, clock, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	var d Decision
	for i := 0; i < 12; i++ {
		d = l.Evaluate(ctx, ActionContentView)
		clock.Advance(100 * time.Millisecond)
	}
	assert.True(t, d.Allowed)
	assert.True(t, d.Automated)
	assert.ErrorIs(t, d.Err(), ErrAutomation)
}

func TestConcurrentAllowIsExact(t *testing.T) {
	l, _, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.AllowLimit(ctx, "x", 50) {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed)
}

func TestReset(t *testing.T) {
	l, _, _ := newTestLimiter(DefaultConfig())
	ctx := context.Background()
	require.True(t, l.AllowLimit(ctx, "x", 1))
	require.False(t, l.AllowLimit(ctx, "x", 1))

	l.Reset()
	assert.True(t, l.AllowLimit(ctx, "x", 1))
}
