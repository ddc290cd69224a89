package license

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// KeyPrefix is the constant first segment of every license key.
const KeyPrefix = "LIC"

// keyPattern is LIC followed by four groups of four uppercase alphanumerics.
var keyPattern = regexp.MustCompile(`^LIC(-[A-Z0-9]{4}){4}$`)

// ValidateKeyFormat reports whether key matches the license key grammar.
// Matching is case-sensitive.
func ValidateKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}

// NormalizeKey trims surrounding whitespace. Case is left alone so that a
// lower-case key stays invalid.
func NormalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// MaskKey hides the middle segments of a key for logs.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return ""
	}
	return email[:1] + "***" + email[at:]
}

// hashLicenseKey gives a stable, non-reversible key reference for audit
// events.
func hashLicenseKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
