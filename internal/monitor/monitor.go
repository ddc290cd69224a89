// Package monitor runs the periodic environment and timing probes.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"accessguard/internal/evidence"
	"accessguard/internal/identity"
	"accessguard/internal/security"
)

// Detector reports tamper indicators.
type Detector interface {
	Detect() *security.TamperingIndicators
}

// Verifier re-checks the device identity.
type Verifier interface {
	Verify(ctx context.Context) (identity.VerifyResult, error)
}

// Options configures a Monitor.
type Options struct {
	EnvironmentInterval time.Duration
	TimingInterval      time.Duration
	TimingTolerance     time.Duration

	Detector Detector
	Verifier Verifier
	Evidence evidence.Recorder
	Now      func() time.Time
	Logger   *slog.Logger
}

// ErrRunning is returned by Start on a monitor that is already running.
var ErrRunning = errors.New("monitor already running")

// Monitor owns the probe goroutines. Stop cancels them and waits, so no
// evidence is recorded once Stop has returned.
type Monitor struct {
	envInterval    time.Duration
	timingInterval time.Duration
	tolerance      time.Duration
	detector       Detector
	verifier       Verifier
	recorder       evidence.Recorder
	now            func() time.Time
	logger         *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group

	stateMu    sync.Mutex
	lastTick   time.Time
	lastTamper string
	lastDrift  string
}

// New creates a monitor. Zero intervals default to 1m, 1s and 2s.
func New(opts Options) *Monitor {
	if opts.EnvironmentInterval <= 0 {
		opts.EnvironmentInterval = time.Minute
	}
	if opts.TimingInterval <= 0 {
		opts.TimingInterval = time.Second
	}
	if opts.TimingTolerance <= 0 {
		opts.TimingTolerance = 2 * time.Second
	}
	if opts.Evidence == nil {
		opts.Evidence = evidence.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		envInterval:    opts.EnvironmentInterval,
		timingInterval: opts.TimingInterval,
		tolerance:      opts.TimingTolerance,
		detector:       opts.Detector,
		verifier:       opts.Verifier,
		recorder:       opts.Evidence,
		now:            opts.Now,
		logger:         opts.Logger.With(slog.String("component", "monitor")),
	}
}

// Start launches the probes. They stop when ctx is cancelled or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	m.cancel = cancel
	m.group = g

	m.stateMu.Lock()
	m.lastTick = m.now()
	m.stateMu.Unlock()

	g.Go(func() error {
		m.CheckEnvironment(gctx)
		return every(gctx, m.envInterval, func() { m.CheckEnvironment(gctx) })
	})
	g.Go(func() error {
		return every(gctx, m.timingInterval, func() { m.CheckTiming(gctx) })
	})

	m.logger.InfoContext(ctx, "Monitor started",
		slog.Duration("environment_interval", m.envInterval),
		slog.Duration("timing_interval", m.timingInterval),
	)
	return nil
}

// Stop cancels the probes and waits for them to exit. It is safe to call
// on a monitor that is not running.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	cancel, g := m.cancel, m.group
	m.cancel, m.group = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	m.logger.Info("Monitor stopped")
	return err
}

// Running reports whether the probes are active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn()
		}
	}
}

// EnvironmentReport is the result of one environment check.
type EnvironmentReport struct {
	Indicators *security.TamperingIndicators `json:"indicators,omitempty"`
	Identity   *identity.VerifyResult        `json:"identity,omitempty"`
	CheckedAt  time.Time                     `json:"checked_at"`
}

// CheckEnvironment runs the tamper indicators and the identity drift check.
// Evidence is recorded only when the observed condition changes.
func (m *Monitor) CheckEnvironment(ctx context.Context) EnvironmentReport {
	report := EnvironmentReport{CheckedAt: m.now().UTC()}

	if m.detector != nil {
		ind := m.detector.Detect()
		report.Indicators = ind
		key := ""
		if ind.HasIndicators() {
			key = strings.Join(ind.Report(), ",")
		}
		if m.changed(&m.lastTamper, key) && key != "" {
			m.logger.WarnContext(ctx, "Tamper indicators detected", slog.Any("indicators", ind.Report()))
			m.record(ctx, evidence.TypeTamperIndicator, evidence.Detail{
				"indicators": ind.Report(),
				"tracer_pid": ind.TracerPID,
				"binary":     ind.BinaryPath,
			})
		}
	}

	if m.verifier != nil {
		result, err := m.verifier.Verify(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "Identity check failed", slog.String("error", err.Error()))
		} else {
			report.Identity = &result
			changed := slices.Clone(result.Changed)
			slices.Sort(changed)
			key := strings.Join(changed, ",")
			// Failed verifications are recorded by the identity store itself.
			if m.changed(&m.lastDrift, key) && key != "" && result.Verified {
				m.logger.InfoContext(ctx, "Device attributes drifted",
					slog.Any("changed", changed),
					slog.Float64("similarity", result.Similarity),
				)
				detail := evidence.Detail{
					"changed":    changed,
					"similarity": result.Similarity,
				}
				if report.Indicators != nil && report.Indicators.VirtualMachineDetected {
					detail["virtual_machine"] = true
				}
				m.record(ctx, evidence.TypeEnvironmentAnomaly, detail)
			}
		}
	}
	return report
}

// CheckTiming compares the time since the previous tick with the interval.
// A tick later than the tolerance means the process was paused.
func (m *Monitor) CheckTiming(ctx context.Context) {
	now := m.now()

	m.stateMu.Lock()
	last := m.lastTick
	m.lastTick = now
	m.stateMu.Unlock()

	if last.IsZero() {
		return
	}
	elapsed := now.Sub(last)
	lateness := elapsed - m.timingInterval
	if lateness <= m.tolerance {
		return
	}

	m.logger.WarnContext(ctx, "Timing anomaly, process was suspended",
		slog.Duration("expected", m.timingInterval),
		slog.Duration("elapsed", elapsed),
	)
	m.record(ctx, evidence.TypeTimingAnomaly, evidence.Detail{
		"expected_ms": m.timingInterval.Milliseconds(),
		"elapsed_ms":  elapsed.Milliseconds(),
		"lateness_ms": lateness.Milliseconds(),
	})
}

func (m *Monitor) changed(field *string, key string) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if *field == key {
		return false
	}
	*field = key
	return true
}

func (m *Monitor) record(ctx context.Context, eventType string, detail evidence.Detail) {
	if _, err := m.recorder.Record(ctx, eventType, detail); err != nil {
		m.logger.ErrorContext(ctx, "Failed to record evidence",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
