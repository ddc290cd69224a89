// Package ratelimit throttles gated actions over a sliding window and flags
// request timing that looks scripted.
package ratelimit

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"accessguard/internal/evidence"
)

// Action names with a default limit.
const (
	ActionContentView   = "content.view"
	ActionAPI           = "api"
	ActionContentSearch = "content.search"
	ActionContentCopy   = "content.copy"
	ActionContentPrint  = "content.print"
	ActionContentExport = "content.export"
)

// DefaultLimits are the per-window limits by action. Actions missing from
// the table use the api limit.
var DefaultLimits = map[string]int{
	ActionContentView:   120,
	ActionAPI:           60,
	ActionContentSearch: 60,
	ActionContentCopy:   20,
	ActionContentPrint:  10,
	ActionContentExport: 10,
}

// BlockScope selects how far a block reaches.
type BlockScope string

const (
	// ScopeGlobal shares one block across every action.
	ScopeGlobal BlockScope = "global"
	// ScopeAction keeps a block per action namespace.
	ScopeAction BlockScope = "action"
)

// Config holds the limiter parameters.
type Config struct {
	Window        time.Duration
	BlockDuration time.Duration
	Scope         BlockScope
	// Limits override DefaultLimits entry by entry.
	Limits map[string]int

	BurstCount  int
	BurstWindow time.Duration
	// VarianceThreshold is in squared milliseconds.
	VarianceThreshold float64
	MinGaps           int
}

// DefaultConfig returns a 60s window with a 5m block.
func DefaultConfig() Config {
	return Config{
		Window:            time.Minute,
		BlockDuration:     5 * time.Minute,
		Scope:             ScopeGlobal,
		BurstCount:        20,
		BurstWindow:       5 * time.Second,
		VarianceThreshold: 25,
		MinGaps:           10,
	}
}

type event struct {
	at     time.Time
	action string
	weight int
}

type blockState struct {
	blocked    bool
	blockUntil time.Time
}

// Limiter is safe for concurrent use; each decision runs under one lock.
type Limiter struct {
	cfg      Config
	limits   map[string]int
	now      func() time.Time
	recorder evidence.Recorder
	logger   *slog.Logger

	decisions metric.Int64Counter

	mu             sync.Mutex
	events         []event
	global         blockState
	perAction      map[string]*blockState
	lastAutomation time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRecorder sets where blocks and automation are recorded.
func WithRecorder(r evidence.Recorder) Option {
	return func(l *Limiter) {
		if r != nil {
			l.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a limiter. Zero config fields take DefaultConfig values.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.Scope == "" {
		cfg.Scope = def.Scope
	}
	if cfg.BurstCount <= 0 {
		cfg.BurstCount = def.BurstCount
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = def.BurstWindow
	}
	if cfg.VarianceThreshold <= 0 {
		cfg.VarianceThreshold = def.VarianceThreshold
	}
	if cfg.MinGaps < 2 {
		cfg.MinGaps = def.MinGaps
	}

	limits := maps.Clone(DefaultLimits)
	for action, n := range cfg.Limits {
		if n > 0 {
			limits[action] = n
		}
	}

	l := &Limiter{
		cfg:       cfg,
		limits:    limits,
		now:       time.Now,
		recorder:  evidence.Discard,
		logger:    slog.Default(),
		perAction: make(map[string]*blockState),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "ratelimit"))

	// The global meter provider may be a no-op; instrument errors are not fatal.
	l.decisions, _ = otel.Meter("accessguard/ratelimit").Int64Counter(
		"ratelimit_decisions_total",
		metric.WithDescription("Rate limiter decisions by action and outcome"),
	)
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	cfg := l.cfg
	cfg.Limits = maps.Clone(l.limits)
	return cfg
}

// LimitFor resolves the default limit of action.
func (l *Limiter) LimitFor(action string) int {
	if n, ok := l.limits[action]; ok {
		return n
	}
	return l.limits[ActionAPI]
}

// Allow decides action against its default limit.
func (l *Limiter) Allow(ctx context.Context, action string) bool {
	return l.AllowLimit(ctx, action, 0)
}

// AllowLimit decides action; a positive limit overrides the default table.
func (l *Limiter) AllowLimit(ctx context.Context, action string, limit int) bool {
	l.mu.Lock()
	allowed, violation := l.decide(action, limit)
	l.mu.Unlock()

	if l.decisions != nil {
		l.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.Bool("allowed", allowed),
		))
	}
	if violation != nil {
		l.logger.WarnContext(ctx, "Rate limit exceeded, blocking",
			slog.String("action", action),
			slog.Int("count", violation["count"].(int)),
			slog.Int("limit", violation["limit"].(int)),
			slog.String("scope", string(l.cfg.Scope)),
		)
		l.record(ctx, evidence.TypeRateLimitExceeded, violation)
	}
	return allowed
}

// decide runs the window algorithm. Called with l.mu held; returns the
// evidence detail when this call triggered a block.
func (l *Limiter) decide(action string, limit int) (bool, evidence.Detail) {
	now := l.now()
	st := l.blockFor(action)

	if st.blocked {
		if now.Before(st.blockUntil) {
			return false, nil
		}
		st.blocked = false
		st.blockUntil = time.Time{}
		l.resetEvents(action)
	}

	l.evict(now)

	if limit <= 0 {
		limit = l.LimitFor(action)
	}

	count := 0
	for _, e := range l.events {
		if e.action == action {
			count += e.weight
		}
	}
	if count >= limit {
		st.blocked = true
		st.blockUntil = now.Add(l.cfg.BlockDuration)
		return false, evidence.Detail{
			"action":      action,
			"count":       count,
			"limit":       limit,
			"block_until": st.blockUntil.UTC().Format(time.RFC3339),
			"scope":       string(l.cfg.Scope),
		}
	}

	l.events = append(l.events, event{at: now, action: action, weight: 1})
	return true, nil
}

func (l *Limiter) blockFor(action string) *blockState {
	if l.cfg.Scope != ScopeAction {
		return &l.global
	}
	st, ok := l.perAction[action]
	if !ok {
		st = &blockState{}
		l.perAction[action] = st
	}
	return st
}

// resetEvents drops the history a lifted block covered: everything for a
// global block, the action's own events for a per-action block.
func (l *Limiter) resetEvents(action string) {
	if l.cfg.Scope != ScopeAction {
		l.events = nil
		return
	}
	kept := l.events[:0]
	for _, e := range l.events {
		if e.action != action {
			kept = append(kept, e)
		}
	}
	l.events = kept
}

func (l *Limiter) evict(now time.Time) {
	i := 0
	for i < len(l.events) && now.Sub(l.events[i].at) >= l.cfg.Window {
		i++
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}
}

// RetryAfter returns how long action stays blocked; zero when it is not.
func (l *Limiter) RetryAfter(action string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.blockFor(action)
	if !st.blocked {
		return 0
	}
	if d := st.blockUntil.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// Reset clears all events and blocks.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	l.global = blockState{}
	l.perAction = make(map[string]*blockState)
	l.lastAutomation = time.Time{}
}

// Snapshot is a point-in-time view for status displays.
type Snapshot struct {
	Events     int                  `json:"events"`
	Blocked    bool                 `json:"blocked"`
	BlockUntil *time.Time           `json:"block_until,omitempty"`
	Counts     map[string]int       `json:"counts"`
	Blocks     map[string]time.Time `json:"blocks,omitempty"`
	Limits     map[string]int       `json:"limits"`
	Scope      BlockScope           `json:"scope"`
	Automated  bool                 `json:"automated"`
	// RetryAfter is the time left on the latest-ending block.
	RetryAfter time.Duration `json:"-"`
}

// Snapshot reports the window contents and block state.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)

	snap := Snapshot{
		Events:    len(l.events),
		Counts:    make(map[string]int),
		Limits:    maps.Clone(l.limits),
		Scope:     l.cfg.Scope,
		Automated: l.looksAutomated(now),
	}
	for _, e := range l.events {
		snap.Counts[e.action] += e.weight
	}
	if l.global.blocked && now.Before(l.global.blockUntil) {
		until := l.global.blockUntil
		snap.Blocked = true
		snap.BlockUntil = &until
	}
	if l.cfg.Scope == ScopeAction {
		for a, st := range l.perAction {
			if st.blocked && now.Before(st.blockUntil) {
				if snap.Blocks == nil {
					snap.Blocks = make(map[string]time.Time)
				}
				snap.Blocks[a] = st.blockUntil
				snap.Blocked = true
				if snap.BlockUntil == nil || st.blockUntil.After(*snap.BlockUntil) {
					until := st.blockUntil
					snap.BlockUntil = &until
				}
			}
		}
	}
	if snap.BlockUntil != nil {
		snap.RetryAfter = snap.BlockUntil.Sub(now)
	}
	return snap
}

func (l *Limiter) record(ctx context.Context, eventType string, detail evidence.Detail) {
	if _, err := l.recorder.Record(ctx, eventType, detail); err != nil {
		l.logger.ErrorContext(ctx, "Failed to record evidence",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
