package testutil

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"accessguard/internal/evidence"
	"accessguard/internal/identity"
	"accessguard/internal/license"
	"accessguard/internal/ratelimit"
	"accessguard/internal/security"
	"accessguard/internal/storage"
)

// Well-formed license keys for tests.
const (
	ValidKey   = "LIC-TE57-K3Y1-AB12-CD34"
	TestSecret = "testutil-secret-0123456789abcdef"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current test time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// StaticProbe answers every attribute from a fixed table, falling back to
// a value derived from the attribute name.
func StaticProbe(values map[string]any) security.Probe {
	return security.ProbeFunc(func(_ context.Context, name string) (any, error) {
		if v, ok := values[name]; ok {
			return v, nil
		}
		return "static-" + name, nil
	})
}

// CoreOptions adjusts NewCore.
type CoreOptions struct {
	Store      storage.Store
	Probe      security.Probe
	Authority  license.Authority
	Tier       license.Tier
	MaxDevices int
	Limits     map[string]int
}

// Core is an in-memory protection core wired the way the service wires it.
type Core struct {
	Store    storage.Store
	Clock    *Clock
	Logger   *slog.Logger
	Logs     *LogCapture
	Engine   *security.Engine
	Identity *identity.Store
	Evidence *evidence.Book
	License  *license.Manager
	Limiter  *ratelimit.Limiter
}

// NewCore builds a core with fast key derivation and a captured logger.
func NewCore(t testing.TB, opts CoreOptions) *Core {
	t.Helper()

	c := &Core{
		Store: opts.Store,
		Clock: NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	if c.Store == nil {
		c.Store = storage.NewMemoryStore()
	}
	if opts.Probe == nil {
		opts.Probe = StaticProbe(nil)
	}
	if opts.Tier == "" {
		opts.Tier = license.TierPro
	}
	if opts.MaxDevices == 0 {
		opts.MaxDevices = 2
	}
	c.Logger, c.Logs = NewTestLogger()

	c.Engine = security.NewEngine(
		security.WithProbe(opts.Probe),
		security.WithClock(c.Clock.Now),
		security.WithLogger(c.Logger),
	)
	c.Identity = identity.New(c.Store, c.Engine, identity.Options{
		Now:    c.Clock.Now,
		Logger: c.Logger,
	})

	var err error
	c.Evidence, err = evidence.NewBookWithClock(c.Store, c.Identity.CurrentID, c.Clock.Now, c.Logger)
	require.NoError(t, err)
	c.Identity.SetRecorder(c.Evidence)

	enc := security.DefaultEncryptionConfig()
	enc.SCryptN = 1024
	c.License, err = license.NewManager(c.Store, license.Options{
		Secret:            TestSecret,
		Encryption:        enc,
		Identity:          c.Identity,
		Authority:         opts.Authority,
		Evidence:          c.Evidence,
		DefaultTier:       opts.Tier,
		DefaultMaxDevices: opts.MaxDevices,
		Now:               c.Clock.Now,
		Logger:            c.Logger,
	})
	require.NoError(t, err)

	c.Limiter = ratelimit.New(ratelimit.Config{Limits: opts.Limits},
		ratelimit.WithClock(c.Clock.Now),
		ratelimit.WithRecorder(c.Evidence),
		ratelimit.WithLogger(c.Logger),
	)
	return c
}

// Activate activates key and fails t on error.
func (c *Core) Activate(t testing.TB, key string) *license.License {
	t.Helper()
	lic, err := c.License.Activate(context.Background(), license.ActivationRequest{Key: key})
	require.NoError(t, err)
	return lic
}

// Entries returns the content of the named evidence log.
func (c *Core) Entries(t testing.TB, log string) []evidence.Entry {
	t.Helper()
	l, err := c.Evidence.Log(log)
	require.NoError(t, err)
	entries, err := l.ReadAll(context.Background())
	require.NoError(t, err)
	return entries
}

// EntryTypes returns the types recorded in the named log, oldest first.
func (c *Core) EntryTypes(t testing.TB, log string) []string {
	t.Helper()
	entries := c.Entries(t, log)
	types := make([]string, len(entries))
	for i, e := range entries {
		types[i] = e.Type
	}
	return types
}
