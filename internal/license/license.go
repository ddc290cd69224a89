package license

import (
	"math"
	"slices"
	"time"
)

// Tier is the commercial level of a license.
type Tier string

const (
	TierFree     Tier = "free"
	TierStudent  Tier = "student"
	TierPro      Tier = "pro"
	TierLifetime Tier = "lifetime"
)

// Feature tags checked by HasFeature.
const (
	FeatureContentView   = "content.view"
	FeatureContentSearch = "content.search"
	FeatureContentExport = "content.export"
	FeatureContentPrint  = "content.print"
	FeatureOfflineAccess = "offline.access"
	FeatureAnalyticsView = "analytics.view"
)

var tierFeatures = map[Tier][]string{
	TierFree:    {FeatureContentView},
	TierStudent: {FeatureContentView, FeatureContentSearch, FeatureOfflineAccess},
	TierPro: {
		FeatureContentView, FeatureContentSearch, FeatureContentExport,
		FeatureContentPrint, FeatureOfflineAccess, FeatureAnalyticsView,
	},
	TierLifetime: {
		FeatureContentView, FeatureContentSearch, FeatureContentExport,
		FeatureContentPrint, FeatureOfflineAccess, FeatureAnalyticsView,
	},
}

// ParseTier returns the tier named by s and whether it is known.
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	_, ok := tierFeatures[t]
	return t, ok
}

// FeaturesFor returns a copy of the default feature set of a tier.
func FeaturesFor(t Tier) []string {
	return slices.Clone(tierFeatures[t])
}

// IsFeature reports whether tag is a feature some tier grants.
func IsFeature(tag string) bool {
	for _, features := range tierFeatures {
		if slices.Contains(features, tag) {
			return true
		}
	}
	return false
}

// State is the outcome of a validation.
type State string

const (
	StateUnactivated        State = "unactivated"
	StateValid              State = "valid"
	StateExpired            State = "expired"
	StateDeviceLimitReached State = "device_limit_reached"
	StateRevoked            State = "revoked"
)

// License is the persisted grant.
type License struct {
	Key                string     `json:"key"`
	Email              string     `json:"email,omitempty"`
	ActivatingDeviceID string     `json:"activating_device_id"`
	ActivatedAt        time.Time  `json:"activated_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	MaxDevices         int        `json:"max_devices"`
	CurrentDevices     []string   `json:"current_devices"`
	Tier               Tier       `json:"tier"`
	Features           []string   `json:"features"`
}

// HasDevice reports whether id is bound to the license.
func (l *License) HasDevice(id string) bool {
	return slices.Contains(l.CurrentDevices, id)
}

// HasFeature reports whether the license grants tag.
func (l *License) HasFeature(tag string) bool {
	return slices.Contains(l.Features, tag)
}

// Expired reports whether the license has a passed expiry at now.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// DaysRemaining is ceil((expiresAt-now)/24h), 0 once expired and -1 when
// the license never expires.
func (l *License) DaysRemaining(now time.Time) int {
	if l.ExpiresAt == nil {
		return -1
	}
	left := l.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

// Clone returns a deep copy.
func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	c := *l
	c.CurrentDevices = slices.Clone(l.CurrentDevices)
	c.Features = slices.Clone(l.Features)
	if l.ExpiresAt != nil {
		exp := *l.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}

// ActivationRequest is the input to Activate. An empty DeviceID uses the
// identity store's device.
type ActivationRequest struct {
	Key      string `json:"license_key" validate:"required"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	DeviceID string `json:"device_id,omitempty"`
}

// ValidationResult reports the license state as seen from the current
// device.
type ValidationResult struct {
	Status        State     `json:"status"`
	License       *License  `json:"license,omitempty"`
	DaysRemaining int       `json:"days_remaining"`
	DeviceID      string    `json:"device_id,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}
