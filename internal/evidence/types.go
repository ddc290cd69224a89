package evidence

import (
	"context"
	"time"
)

// Event types recorded by the protection core.
const (
	TypeFingerprintMismatch      = "fingerprint_mismatch"
	TypeDeviceVerificationFailed = "device_verification_failed"
	TypeLicenseTampered          = "license_tampered"
	TypeLicenseDecryptionFailed  = "license_decryption_failed"
	TypeDeviceLimitExceeded      = "device_limit_exceeded"
	TypeLicenseRevoked           = "license_revoked"
	TypeRateLimitExceeded        = "rate_limit_exceeded"
	TypeAutomationSuspected      = "automation_suspected"
	TypeTimingAnomaly            = "timing_anomaly"
	TypeEnvironmentAnomaly       = "environment_anomaly"
	TypeTamperIndicator          = "tamper_indicator"
)

// Log names and capacities.
const (
	LogViolations = "protection_violations"
	LogSecurity   = "security_events"

	ViolationsCapacity = 100
	SecurityCapacity   = 50
)

// Detail is the opaque payload attached to an entry.
type Detail map[string]any

// Entry is one recorded event.
type Entry struct {
	ID        string    `json:"id"`
	Log       string    `json:"log"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Detail    Detail    `json:"detail,omitempty"`
}

// Recorder is implemented by Log and Book.
type Recorder interface {
	Record(ctx context.Context, eventType string, detail Detail) (Entry, error)
}

// Discard is a Recorder that drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(_ context.Context, eventType string, detail Detail) (Entry, error) {
	return Entry{Type: eventType, Detail: detail}, nil
}

// securityTypes are routed to the security log by Book.
var securityTypes = map[string]bool{
	TypeRateLimitExceeded:   true,
	TypeAutomationSuspected: true,
	TypeTimingAnomaly:       true,
}

// LogFor returns the log name an event type belongs to.
func LogFor(eventType string) string {
	if securityTypes[eventType] {
		return LogSecurity
	}
	return LogViolations
}
