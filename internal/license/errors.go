package license

import (
	"errors"
	"strings"

	apperrors "accessguard/internal/errors"
)

// Error aliases so callers can match with errors.Is without importing the
// taxonomy package.
var (
	ErrInvalidFormat        = apperrors.ErrInvalidLicenseFormat
	ErrNotActivated         = apperrors.ErrLicenseNotActivated
	ErrTampered             = apperrors.ErrLicenseTampered
	ErrDecryption           = apperrors.ErrDecryption
	ErrExpired              = apperrors.ErrLicenseExpired
	ErrDeviceLimit          = apperrors.ErrDeviceLimit
	ErrRevoked              = apperrors.ErrLicenseRevoked
	ErrAuthorityUnavailable = apperrors.ErrAuthorityUnavailable
	ErrUnknownKey           = apperrors.ErrNotFound
)

// classifyLicenseError returns a short label used for span and metric
// attributes.
func classifyLicenseError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidFormat):
		return "invalid_format"
	case errors.Is(err, ErrDecryption):
		return "decryption"
	case errors.Is(err, ErrTampered):
		return "tampered"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrDeviceLimit):
		return "device_limit"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrNotActivated):
		return "not_activated"
	case errors.Is(err, ErrAuthorityUnavailable):
		return "authority_unavailable"
	case errors.Is(err, ErrUnknownKey):
		return "unknown_key"
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return "timeout"
	}
	return "unknown"
}
