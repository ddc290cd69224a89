// Package license binds a license key to a bounded set of devices.
//
// # Lifecycle
//
// A license starts unactivated. Activate checks the key grammar, asks the
// configured Authority for a grant (or builds a provisional license from
// local defaults when no authority is wired) and persists the result bound
// to the activating device. Validate then moves it to one of:
//
//	- valid: the current device is bound, or was added to a free slot
//	- expired: ExpiresAt has passed, DaysRemaining is 0
//	- device_limit_reached: the current device is unknown and all slots are used
//	- revoked: the stored payload failed decryption or its integrity tag
//
// # Persistence
//
// Two storage keys hold a license. license_payload is the AES-256-GCM
// envelope produced by security.Vault; license_integrity is the hex
// HMAC-SHA256 of the plaintext JSON. Either key missing means no license.
// On load the payload is decrypted and the tag recomputed; any mismatch is
// tampering and clears both keys.
//
// # Concurrency
//
// Every operation that reads and re-persists the record holds the
// manager's mutex, so a Validate that appends a device cannot interleave
// with an Activate.
package license
