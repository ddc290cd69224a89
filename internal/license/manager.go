package license

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"accessguard/internal/evidence"
	"accessguard/internal/security"
	"accessguard/internal/storage"
)

// Storage keys. Both must be present for a license to exist.
const (
	PayloadKey   = "license_payload"
	IntegrityKey = "license_integrity"
)

// DeviceResolver yields the id of the running device.
type DeviceResolver interface {
	GetOrCreateID(ctx context.Context) (string, error)
}

// Options configures a Manager.
type Options struct {
	// Secret seeds both the encryption key and the integrity key.
	Secret     string
	Encryption *security.EncryptionConfig
	Identity   DeviceResolver
	// Authority is optional; without it activation is provisional.
	Authority         Authority
	Evidence          evidence.Recorder
	DefaultTier       Tier
	DefaultMaxDevices int
	// DefaultValidity of zero means provisional licenses never expire.
	DefaultValidity time.Duration
	Metrics         *LicenseMetrics
	Now             func() time.Time
	Logger          *slog.Logger
}

// Manager owns the single persisted license.
type Manager struct {
	store        storage.Store
	vault        *security.Vault
	integrityKey []byte
	identity     DeviceResolver
	authority    Authority
	recorder     evidence.Recorder
	defaultTier  Tier
	defaultMax   int
	validity     time.Duration
	metrics      *LicenseMetrics
	now          func() time.Time
	logger       *slog.Logger

	mu sync.Mutex
	// limitNoted is the device-limit condition last recorded as evidence.
	// It is cleared whenever the stored license changes.
	limitNoted string
}

// NewManager creates a license manager.
func NewManager(store storage.Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("license: store is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("license: identity resolver is required")
	}
	vault, err := security.NewVault([]byte(opts.Secret), opts.Encryption)
	if err != nil {
		return nil, fmt.Errorf("license: %w", err)
	}
	if opts.DefaultTier == "" {
		opts.DefaultTier = TierStudent
	}
	if _, ok := tierFeatures[opts.DefaultTier]; !ok {
		return nil, fmt.Errorf("license: unknown default tier %q", opts.DefaultTier)
	}
	if opts.DefaultMaxDevices <= 0 {
		opts.DefaultMaxDevices = 1
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

	ik := sha256.Sum256([]byte("license-integrity:" + opts.Secret))
	return &Manager{
		store:        store,
		vault:        vault,
		integrityKey: ik[:],
		identity:     opts.Identity,
		authority:    opts.Authority,
		recorder:     opts.Evidence,
		defaultTier:  opts.DefaultTier,
		defaultMax:   opts.DefaultMaxDevices,
		validity:     opts.DefaultValidity,
		metrics:      opts.Metrics,
		now:          opts.Now,
		logger:       opts.Logger,
	}, nil
}

// SetRecorder replaces the evidence recorder.
func (m *Manager) SetRecorder(r evidence.Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r != nil {
		m.recorder = r
	}
}

// HasAuthority reports whether a remote authority is wired.
func (m *Manager) HasAuthority() bool {
	return m.authority != nil
}

// Activate binds req.Key to a device and persists the license.
// Re-activating the key already stored adds the device to it; any other key
// replaces the stored license.
func (m *Manager) Activate(ctx context.Context, req ActivationRequest) (*License, error) {
	key := NormalizeKey(req.Key)
	var out *License

	start := m.now()
	err := traceOperation(ctx, "activate", key, func(ctx context.Context) error {
		lic, err := m.activate(ctx, key, req)
		out = lic
		return err
	})
	m.recordActivationMetrics(ctx, m.now().Sub(start), err)

	if err != nil {
		m.logWarn(ctx, "activate", "License activation failed",
			slog.String("license_key", MaskKey(key)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	m.logInfo(ctx, "activate", "License activated",
		slog.String("license_key", MaskKey(key)),
		slog.String("email", maskEmail(out.Email)),
		slog.String("tier", string(out.Tier)),
		slog.Int("devices", len(out.CurrentDevices)),
		slog.Int("max_devices", out.MaxDevices),
	)
	return out, nil
}

func (m *Manager) activate(ctx context.Context, key string, req ActivationRequest) (*License, error) {
	if !ValidateKeyFormat(key) {
		return nil, fmt.Errorf("%w: expected %s-XXXX-XXXX-XXXX-XXXX", ErrInvalidFormat, KeyPrefix)
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		id, err := m.identity.GetOrCreateID(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve device: %w", err)
		}
		deviceID = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var grant *Grant
	if m.authority != nil {
		g, err := m.authority.Grant(ctx, GrantRequest{
			Action:   ActionActivate,
			Key:      key,
			Email:    req.Email,
			DeviceID: deviceID,
		})
		m.countAuthority(ctx, ActionActivate, err)
		if err != nil {
			return nil, err
		}
		if g.Revoked {
			return nil, fmt.Errorf("%w: authority reports the key as revoked", ErrRevoked)
		}
		grant = g
	}

	now := m.now().UTC()
	existing, err := m.load(ctx)
	if err != nil && !errors.Is(err, ErrNotActivated) {
		// A damaged record is replaced by the new activation.
		m.logWarn(ctx, "activate", "Replacing unreadable stored license", slog.String("error", err.Error()))
		existing = nil
	}

	var lic *License
	if existing != nil && existing.Key == key {
		lic = existing
		if grant != nil {
			applyGrant(lic, grant)
		}
		if !lic.HasDevice(deviceID) {
			if len(lic.CurrentDevices) >= lic.MaxDevices {
				m.recordDeviceLimit(ctx, lic, deviceID)
				return nil, fmt.Errorf("%w: %d of %d devices in use", ErrDeviceLimit, len(lic.CurrentDevices), lic.MaxDevices)
			}
			lic.CurrentDevices = append(lic.CurrentDevices, deviceID)
		}
	} else {
		lic = &License{
			Key:                key,
			Email:              req.Email,
			ActivatingDeviceID: deviceID,
			ActivatedAt:        now,
			MaxDevices:         m.defaultMax,
			CurrentDevices:     []string{deviceID},
			Tier:               m.defaultTier,
			Features:           FeaturesFor(m.defaultTier),
		}
		if m.validity > 0 {
			exp := now.Add(m.validity)
			lic.ExpiresAt = &exp
		}
		if grant != nil {
			applyGrant(lic, grant)
		}
	}

	if lic.Expired(now) {
		return nil, fmt.Errorf("%w: expired %s", ErrExpired, lic.ExpiresAt.Format(time.DateOnly))
	}
	if err := m.persist(ctx, lic); err != nil {
		return nil, err
	}
	return lic.Clone(), nil
}

// applyGrant overlays the non-zero fields of g.
func applyGrant(lic *License, g *Grant) {
	if g.Tier != "" {
		lic.Tier = g.Tier
		lic.Features = FeaturesFor(g.Tier)
	}
	if len(g.Features) > 0 {
		lic.Features = slices.Clone(g.Features)
	}
	if g.MaxDevices > 0 {
		lic.MaxDevices = g.MaxDevices
	}
	if g.ExpiresAt != nil {
		exp := *g.ExpiresAt
		lic.ExpiresAt = &exp
	}
	if g.Email != "" {
		lic.Email = g.Email
	}
}

// Validate loads the license and checks it against the current device.
// The returned result is non-nil whenever the license state could be
// determined, including the error cases.
func (m *Manager) Validate(ctx context.Context) (*ValidationResult, error) {
	var result *ValidationResult

	start := m.now()
	err := traceOperation(ctx, "validate", "", func(ctx context.Context) error {
		var err error
		result, err = m.validate(ctx)
		return err
	})
	if result != nil {
		m.recordValidationMetrics(ctx, m.now().Sub(start), result.Status)
	}
	return result, err
}

func (m *Manager) validate(ctx context.Context) (*ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	result := &ValidationResult{Status: StateUnactivated, CheckedAt: now}

	lic, err := m.load(ctx)
	switch {
	case errors.Is(err, ErrNotActivated):
		return result, err
	case errors.Is(err, ErrTampered):
		result.Status = StateRevoked
		return result, err
	case err != nil:
		return nil, err
	}
	result.License = lic.Clone()

	if lic.Expired(now) {
		result.Status = StateExpired
		result.DaysRemaining = 0
		m.logWarn(ctx, "validate", "License expired",
			slog.String("license_key", MaskKey(lic.Key)),
			slog.Time("expires_at", *lic.ExpiresAt),
		)
		return result, fmt.Errorf("%w: expired %s", ErrExpired, lic.ExpiresAt.Format(time.DateOnly))
	}

	if len(lic.CurrentDevices) == 0 {
		return result, fmt.Errorf("%w: no device is bound to the license", ErrNotActivated)
	}

	deviceID, err := m.identity.GetOrCreateID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve device: %w", err)
	}
	result.DeviceID = deviceID

	if !lic.HasDevice(deviceID) {
		if len(lic.CurrentDevices) >= lic.MaxDevices {
			result.Status = StateDeviceLimitReached
			m.recordDeviceLimit(ctx, lic, deviceID)
			return result, fmt.Errorf("%w: %d of %d devices in use", ErrDeviceLimit, len(lic.CurrentDevices), lic.MaxDevices)
		}
		lic.CurrentDevices = append(lic.CurrentDevices, deviceID)
		if err := m.persist(ctx, lic); err != nil {
			return nil, err
		}
		m.logInfo(ctx, "validate", "Device added to license",
			slog.String("license_key", MaskKey(lic.Key)),
			slog.String("device_id", deviceID),
			slog.Int("devices", len(lic.CurrentDevices)),
		)
		result.License = lic.Clone()
	}

	result.Status = StateValid
	result.DaysRemaining = lic.DaysRemaining(now)
	return result, nil
}

// Status is Validate for display: it never returns an error.
func (m *Manager) Status(ctx context.Context) *ValidationResult {
	result, err := m.Validate(ctx)
	if result == nil {
		m.logError(ctx, "status", "License state could not be determined", slog.String("error", err.Error()))
		return &ValidationResult{Status: StateUnactivated, CheckedAt: m.now().UTC()}
	}
	return result
}

// HasFeature reports whether a currently valid license grants tag.
func (m *Manager) HasFeature(ctx context.Context, tag string) bool {
	result, err := m.Validate(ctx)
	if err != nil || result == nil || result.License == nil {
		return false
	}
	return result.License.HasFeature(tag)
}

// DeactivateCurrentDevice unbinds the running device. The license stays
// stored even when no device remains.
func (m *Manager) DeactivateCurrentDevice(ctx context.Context) error {
	return traceOperation(ctx, "deactivate", "", func(ctx context.Context) error {
		deviceID, err := m.identity.GetOrCreateID(ctx)
		if err != nil {
			return fmt.Errorf("resolve device: %w", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		lic, err := m.load(ctx)
		if err != nil {
			return err
		}
		idx := slices.Index(lic.CurrentDevices, deviceID)
		if idx < 0 {
			m.logInfo(ctx, "deactivate", "Device was not bound to the license", slog.String("device_id", deviceID))
			return nil
		}
		lic.CurrentDevices = slices.Delete(lic.CurrentDevices, idx, idx+1)
		if err := m.persist(ctx, lic); err != nil {
			return err
		}
		m.logInfo(ctx, "deactivate", "Device removed from license",
			slog.String("license_key", MaskKey(lic.Key)),
			slog.String("device_id", deviceID),
			slog.Int("devices", len(lic.CurrentDevices)),
		)
		return nil
	})
}

// Refresh re-queries the authority and applies its grant. A revoked grant
// clears the stored license.
func (m *Manager) Refresh(ctx context.Context) (*License, error) {
	if m.authority == nil {
		return nil, fmt.Errorf("%w: no authority configured", ErrAuthorityUnavailable)
	}

	var out *License
	err := traceOperation(ctx, "refresh", "", func(ctx context.Context) error {
		deviceID, err := m.identity.GetOrCreateID(ctx)
		if err != nil {
			return fmt.Errorf("resolve device: %w", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		lic, err := m.load(ctx)
		if err != nil {
			return err
		}
		grant, err := m.authority.Grant(ctx, GrantRequest{
			Action:   ActionRefresh,
			Key:      lic.Key,
			Email:    lic.Email,
			DeviceID: deviceID,
		})
		m.countAuthority(ctx, ActionRefresh, err)
		if errors.Is(err, ErrRevoked) || (err == nil && grant.Revoked) {
			m.revoke(ctx, evidence.TypeLicenseRevoked, evidence.Detail{"license_key": MaskKey(lic.Key)})
			return fmt.Errorf("%w: authority reports the key as revoked", ErrRevoked)
		}
		if err != nil {
			return err
		}

		applyGrant(lic, grant)
		lic.CurrentDevices = trimDevices(lic.CurrentDevices, lic.MaxDevices, deviceID)
		if err := m.persist(ctx, lic); err != nil {
			return err
		}
		out = lic.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logInfo(ctx, "refresh", "License refreshed from authority",
		slog.String("license_key", MaskKey(out.Key)),
		slog.String("tier", string(out.Tier)),
		slog.Int("max_devices", out.MaxDevices),
	)
	return out, nil
}

// trimDevices keeps at most limit devices, keeping keep when present and
// otherwise the earliest bound ones.
func trimDevices(devices []string, limit int, keep string) []string {
	if len(devices) <= limit {
		return devices
	}
	out := make([]string, 0, limit)
	if slices.Contains(devices, keep) {
		out = append(out, keep)
	}
	for _, d := range devices {
		if len(out) == limit {
			break
		}
		if d != keep {
			out = append(out, d)
		}
	}
	return out
}

// load must be called with m.mu held. It returns ErrNotActivated when
// either key is missing, and revokes on decryption or integrity failure.
func (m *Manager) load(ctx context.Context) (*License, error) {
	payload, err := m.store.Get(ctx, PayloadKey)
	if storage.IsNotFound(err) {
		return nil, ErrNotActivated
	}
	if err != nil {
		return nil, fmt.Errorf("read license payload: %w", err)
	}
	tag, err := m.store.Get(ctx, IntegrityKey)
	if storage.IsNotFound(err) {
		return nil, ErrNotActivated
	}
	if err != nil {
		return nil, fmt.Errorf("read license integrity: %w", err)
	}

	plaintext, err := m.vault.OpenString(string(payload))
	if err != nil {
		m.countTamper(ctx, "decryption")
		m.revoke(ctx, evidence.TypeLicenseDecryptionFailed, evidence.Detail{"error": err.Error()})
		return nil, fmt.Errorf("%w: %w", ErrTampered, ErrDecryption)
	}
	if !security.VerifyIntegrityTag(m.integrityKey, plaintext, string(tag)) {
		m.countTamper(ctx, "integrity")
		m.revoke(ctx, evidence.TypeLicenseTampered, evidence.Detail{"reason": "integrity tag mismatch"})
		return nil, fmt.Errorf("%w: integrity tag mismatch", ErrTampered)
	}

	var lic License
	if err := json.Unmarshal(plaintext, &lic); err != nil {
		m.countTamper(ctx, "payload")
		m.revoke(ctx, evidence.TypeLicenseTampered, evidence.Detail{"reason": "payload unreadable"})
		return nil, fmt.Errorf("%w: payload unreadable", ErrTampered)
	}
	return &lic, nil
}

// persist must be called with m.mu held.
func (m *Manager) persist(ctx context.Context, lic *License) error {
	plaintext, err := json.Marshal(lic)
	if err != nil {
		return fmt.Errorf("marshal license: %w", err)
	}
	sealed, err := m.vault.SealString(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt license: %w", err)
	}
	if err := m.store.Set(ctx, PayloadKey, []byte(sealed)); err != nil {
		return fmt.Errorf("write license payload: %w", err)
	}
	tag := security.IntegrityTag(m.integrityKey, plaintext)
	if err := m.store.Set(ctx, IntegrityKey, []byte(tag)); err != nil {
		return fmt.Errorf("write license integrity: %w", err)
	}
	m.limitNoted = ""
	return nil
}

// revoke clears both keys and records the reason. Called with m.mu held.
func (m *Manager) revoke(ctx context.Context, eventType string, detail evidence.Detail) {
	for _, key := range []string{PayloadKey, IntegrityKey} {
		if err := m.store.Delete(ctx, key); err != nil && !storage.IsNotFound(err) {
			m.logError(ctx, "revoke", "Failed to clear stored license",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	m.limitNoted = ""
	m.logWarn(ctx, "revoke", "License revoked", slog.String("reason", eventType))
	m.recordEvidence(ctx, eventType, detail)
}

// recordDeviceLimit is called with m.mu held. Repeated checks against an
// unchanged license are counted but recorded only once.
func (m *Manager) recordDeviceLimit(ctx context.Context, lic *License, deviceID string) {
	m.countDeviceLimit(ctx)
	condition := fmt.Sprintf("%s/%d/%d", lic.Key, len(lic.CurrentDevices), lic.MaxDevices)
	if condition == m.limitNoted {
		m.logAction(ctx, slog.LevelDebug, "validate", "Device limit still reached",
			slog.String("license_key", MaskKey(lic.Key)),
			slog.String("device_id", deviceID),
		)
		return
	}
	m.limitNoted = condition

	m.logWarn(ctx, "validate", "Device limit reached",
		slog.String("license_key", MaskKey(lic.Key)),
		slog.String("device_id", deviceID),
		slog.Int("max_devices", lic.MaxDevices),
	)
	m.recordEvidence(ctx, evidence.TypeDeviceLimitExceeded, evidence.Detail{
		"license_key": MaskKey(lic.Key),
		"device_id":   deviceID,
		"devices":     len(lic.CurrentDevices),
		"max_devices": lic.MaxDevices,
	})
}

func (m *Manager) recordEvidence(ctx context.Context, eventType string, detail evidence.Detail) {
	if _, err := m.recorder.Record(ctx, eventType, detail); err != nil {
		m.logError(ctx, "evidence", "Failed to record evidence",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
