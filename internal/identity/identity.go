// Package identity persists the device fingerprint and answers whether the
// running device is still the one that was registered.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"accessguard/internal/evidence"
	"accessguard/internal/security"
	"accessguard/internal/storage"
)

// StorageKey is the single key holding the identity record.
const StorageKey = "device_fingerprint"

// DefaultThreshold is the minimum similarity for Verify to succeed.
const DefaultThreshold = 0.8

// Capturer produces a fresh fingerprint.
type Capturer interface {
	Capture(ctx context.Context) *security.DeviceFingerprint
}

// Record is the persisted identity.
type Record struct {
	ID         string              `json:"id"`
	Components security.Components `json:"components"`
	Timestamp  time.Time           `json:"timestamp"`
}

// RegisterResult reports the outcome of Register.
type RegisterResult struct {
	IsNew     bool   `json:"is_new"`
	Mismatch  bool   `json:"mismatch"`
	StoredID  string `json:"stored_id"`
	CurrentID string `json:"current_id"`
}

// VerifyResult reports the outcome of Verify.
type VerifyResult struct {
	Verified   bool     `json:"verified"`
	Similarity float64  `json:"similarity"`
	FirstUse   bool     `json:"first_use"`
	Changed    []string `json:"changed,omitempty"`
}

// Options configures a Store.
type Options struct {
	Threshold           float64
	OverwriteOnMismatch bool
	Evidence            evidence.Recorder
	Now                 func() time.Time
	Logger              *slog.Logger
}

// Store owns the persisted device identity.
type Store struct {
	store     storage.Store
	engine    Capturer
	recorder  evidence.Recorder
	threshold float64
	overwrite bool
	now       func() time.Time
	logger    *slog.Logger

	mu sync.Mutex

	idMu      sync.RWMutex
	currentID string
}

// New creates an identity store.
func New(store storage.Store, engine Capturer, opts Options) *Store {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
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
	return &Store{
		store:     store,
		engine:    engine,
		recorder:  opts.Evidence,
		threshold: opts.Threshold,
		overwrite: opts.OverwriteOnMismatch,
		now:       opts.Now,
		logger:    opts.Logger.With(slog.String("component", "identity")),
	}
}

// SetRecorder replaces the evidence recorder.
func (s *Store) SetRecorder(r evidence.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r != nil {
		s.recorder = r
	}
}

// Threshold returns the verify threshold.
func (s *Store) Threshold() float64 { return s.threshold }

// CurrentID returns the last known device id without capturing.
func (s *Store) CurrentID() string {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.currentID
}

func (s *Store) setCurrentID(id string) {
	s.idMu.Lock()
	s.currentID = id
	s.idMu.Unlock()
}

// Stored returns the persisted record, or nil when none exists.
func (s *Store) Stored(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// GetOrCreateID returns the persisted id, registering the device first if
// nothing is stored.
func (s *Store) GetOrCreateID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if rec != nil {
		s.setCurrentID(rec.ID)
		return rec.ID, nil
	}

	fp := s.engine.Capture(ctx)
	if err := s.persist(ctx, recordFrom(fp, s.now())); err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "Device identity created", slog.String("device_id", fp.ID))
	return fp.ID, nil
}

// Register persists the identity on first use. Later calls recapture and
// report a mismatch when the id changed; the stored identity is kept unless
// OverwriteOnMismatch is set.
func (s *Store) Register(ctx context.Context) (RegisterResult, error) {
	s.mu.Lock()

	rec, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return RegisterResult{}, err
	}
	fp := s.engine.Capture(ctx)
	now := s.now()

	if rec == nil {
		err := s.persist(ctx, recordFrom(fp, now))
		s.mu.Unlock()
		if err != nil {
			return RegisterResult{}, err
		}
		s.logger.InfoContext(ctx, "Device registered", slog.String("device_id", fp.ID))
		return RegisterResult{IsNew: true, StoredID: fp.ID, CurrentID: fp.ID}, nil
	}

	result := RegisterResult{StoredID: rec.ID, CurrentID: fp.ID, Mismatch: rec.ID != fp.ID}
	next := *rec
	next.Timestamp = now
	if result.Mismatch && s.overwrite {
		next = recordFrom(fp, now)
		result.StoredID = fp.ID
	}
	err = s.persist(ctx, next)
	recorder := s.recorder
	s.mu.Unlock()
	if err != nil {
		return RegisterResult{}, err
	}

	if result.Mismatch {
		s.logger.WarnContext(ctx, "Device fingerprint changed since registration",
			slog.String("stored_id", rec.ID),
			slog.String("current_id", fp.ID),
			slog.Bool("overwritten", s.overwrite),
		)
		s.recordEvidence(ctx, recorder, evidence.TypeFingerprintMismatch, evidence.Detail{
			"stored_id":  rec.ID,
			"current_id": fp.ID,
			"changed":    security.Diff(rec.Components, fp.Components),
		})
	}
	return result, nil
}

// Verify recaptures the fingerprint and compares it to the stored one.
// With nothing stored the device is registered and trusted.
func (s *Store) Verify(ctx context.Context) (VerifyResult, error) {
	s.mu.Lock()

	rec, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return VerifyResult{}, err
	}
	fp := s.engine.Capture(ctx)
	now := s.now()

	if rec == nil {
		err := s.persist(ctx, recordFrom(fp, now))
		s.mu.Unlock()
		if err != nil {
			return VerifyResult{}, err
		}
		s.logger.InfoContext(ctx, "First use, device registered during verification",
			slog.String("device_id", fp.ID),
		)
		return VerifyResult{Verified: true, Similarity: 1, FirstUse: true}, nil
	}

	similarity := security.Similarity(rec.Components, fp.Components)
	result := VerifyResult{
		Verified:   similarity >= s.threshold,
		Similarity: similarity,
		Changed:    security.Diff(rec.Components, fp.Components),
	}

	if result.Verified {
		next := *rec
		next.Timestamp = now
		err = s.persist(ctx, next)
	}
	recorder := s.recorder
	s.mu.Unlock()
	if err != nil {
		return VerifyResult{}, err
	}

	if !result.Verified {
		s.logger.WarnContext(ctx, "Device verification failed",
			slog.String("stored_id", rec.ID),
			slog.String("current_id", fp.ID),
			slog.Float64("similarity", similarity),
			slog.Float64("threshold", s.threshold),
		)
		s.recordEvidence(ctx, recorder, evidence.TypeDeviceVerificationFailed, evidence.Detail{
			"stored_id":  rec.ID,
			"current_id": fp.ID,
			"similarity": similarity,
			"changed":    result.Changed,
		})
	}
	return result, nil
}

func (s *Store) recordEvidence(ctx context.Context, r evidence.Recorder, eventType string, detail evidence.Detail) {
	if _, err := r.Record(ctx, eventType, detail); err != nil {
		s.logger.ErrorContext(ctx, "Failed to record evidence",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func recordFrom(fp *security.DeviceFingerprint, now time.Time) Record {
	return Record{ID: fp.ID, Components: fp.Components, Timestamp: now.UTC()}
}

// load must be called with s.mu held. An unreadable record counts as absent.
func (s *Store) load(ctx context.Context) (*Record, error) {
	data, err := s.store.Get(ctx, StorageKey)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.ID == "" {
		s.logger.WarnContext(ctx, "Stored identity unreadable, treating as absent")
		return nil, nil
	}
	s.setCurrentID(rec.ID)
	return &rec, nil
}

func (s *Store) persist(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.store.Set(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	s.setCurrentID(rec.ID)
	return nil
}
