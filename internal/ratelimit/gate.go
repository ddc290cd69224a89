package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "accessguard/internal/errors"
	"accessguard/internal/evidence"
)

// Errors returned by the gate.
var (
	ErrRateLimited = apperrors.ErrRateLimited
	ErrAutomation  = apperrors.ErrAutomation
)

// RateLimitError is returned when an action is blocked.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Action, e.RetryAfter.Round(time.Second))
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Op is an operation that can be gated.
type Op func(ctx context.Context) error

// Decision is the outcome of Evaluate.
type Decision struct {
	Action     string        `json:"action"`
	Allowed    bool          `json:"allowed"`
	Automated  bool          `json:"automated"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Evaluate applies the window to action and, when allowed, runs the
// automation heuristic. Suspected automation is recorded but left to the
// caller to act on.
func (l *Limiter) Evaluate(ctx context.Context, action string) Decision {
	d := Decision{Action: action, Allowed: l.Allow(ctx, action)}
	if !d.Allowed {
		d.RetryAfter = l.RetryAfter(action)
		return d
	}
	if l.LooksAutomated() {
		d.Automated = true
		l.noteAutomation(ctx, action)
	}
	return d
}

// Err converts a decision into the gate error, nil when it passes.
func (d Decision) Err() error {
	switch {
	case !d.Allowed:
		return &RateLimitError{Action: d.Action, RetryAfter: d.RetryAfter}
	case d.Automated:
		return fmt.Errorf("%w: action %s", ErrAutomation, d.Action)
	}
	return nil
}

// Check runs the gate for action without an operation: a denial yields a
// *RateLimitError, suspected automation yields ErrAutomation.
func (l *Limiter) Check(ctx context.Context, action string) error {
	return l.Evaluate(ctx, action).Err()
}

// Wrap returns op gated by action. op is not called when the gate refuses.
func Wrap(l *Limiter, action string, op Op) Op {
	return func(ctx context.Context) error {
		if err := l.Check(ctx, action); err != nil {
			return err
		}
		return op(ctx)
	}
}

// Guard runs fn behind the gate for action.
func Guard[T any](ctx context.Context, l *Limiter, action string, fn func(context.Context) (T, error)) (T, error) {
	if err := l.Check(ctx, action); err != nil {
		var zero T
		return zero, err
	}
	return fn(ctx)
}

// noteAutomation records automation evidence at most once per burst window.
func (l *Limiter) noteAutomation(ctx context.Context, action string) {
	l.mu.Lock()
	now := l.now()
	if !l.lastAutomation.IsZero() && now.Sub(l.lastAutomation) < l.cfg.BurstWindow {
		l.mu.Unlock()
		return
	}
	l.lastAutomation = now
	events := len(l.events)
	l.mu.Unlock()

	l.logger.WarnContext(ctx, "Automated access pattern suspected",
		slog.String("action", action),
		slog.Int("events", events),
	)
	l.record(ctx, evidence.TypeAutomationSuspected, evidence.Detail{
		"action": action,
		"events": events,
	})
}
