package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/scrypt"
)

// EncryptionConfig defines the scrypt and AES-GCM parameters
type EncryptionConfig struct {
	SCryptN      int
	SCryptR      int
	SCryptP      int
	SCryptKeyLen int
	SaltSize     int
	NonceSize    int
}

// DefaultEncryptionConfig returns the production parameters
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		SaltSize:     32,
		NonceSize:    12,
	}
}

// ValidateEncryptionConfig checks the parameters are usable for AES-256-GCM.
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.SCryptN < 2 || config.SCryptN&(config.SCryptN-1) != 0 {
		return errors.New("SCryptN must be a power of two greater than 1")
	}
	if config.SCryptR < 1 {
		return errors.New("SCryptR must be at least 1")
	}
	if config.SCryptP < 1 {
		return errors.New("SCryptP must be at least 1")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	if config.SaltSize < 16 {
		return errors.New("SaltSize must be at least 16")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	return nil
}

// ErrCiphertext is returned when a sealed payload cannot be opened.
var ErrCiphertext = errors.New("ciphertext rejected")

// EncryptedPayload is the at-rest envelope.
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Vault seals and opens payloads with a key derived from a secret. The
// cipher for the most recent salt is kept, so reopening the payload it
// sealed or opened last costs no key derivation.
type Vault struct {
	secret []byte
	config *EncryptionConfig

	mu          sync.Mutex
	cachedSalt  []byte
	cachedAEAD  cipher.AEAD
	derivations atomic.Int64
}

// NewVault creates a vault for secret. A nil config uses the defaults.
func NewVault(secret []byte, config *EncryptionConfig) (*Vault, error) {
	if len(secret) < 16 {
		return nil, errors.New("vault secret must be at least 16 bytes")
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, err
	}
	return &Vault{secret: append([]byte(nil), secret...), config: config}, nil
}

func (v *Vault) gcm(salt []byte) (cipher.AEAD, error) {
	v.mu.Lock()
	if v.cachedAEAD != nil && bytes.Equal(v.cachedSalt, salt) {
		aead := v.cachedAEAD
		v.mu.Unlock()
		return aead, nil
	}
	v.mu.Unlock()

	aead, err := v.derive(salt)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.cachedSalt = bytes.Clone(salt)
	v.cachedAEAD = aead
	v.mu.Unlock()
	return aead, nil
}

func (v *Vault) derive(salt []byte) (cipher.AEAD, error) {
	v.derivations.Add(1)
	key, err := scrypt.Key(v.secret, salt, v.config.SCryptN, v.config.SCryptR, v.config.SCryptP, v.config.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under a fresh salt and nonce.
func (v *Vault) Seal(plaintext []byte) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	salt := make([]byte, v.config.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := v.gcm(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &EncryptedPayload{
		Version:    1,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, []byte{1}),
	}, nil
}

// Open decrypts a payload. Any failure wraps ErrCiphertext.
func (v *Vault) Open(payload *EncryptedPayload) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is nil", ErrCiphertext)
	}
	if payload.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported payload version %d", ErrCiphertext, payload.Version)
	}
	gcm, err := v.gcm(payload.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	if len(payload.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrCiphertext)
	}
	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, []byte{payload.Version})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return plaintext, nil
}

// SealString seals plaintext and encodes the envelope as base64 JSON.
func (v *Vault) SealString(plaintext []byte) (string, error) {
	payload, err := v.Seal(plaintext)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// OpenString reverses SealString.
func (v *Vault) OpenString(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	var payload EncryptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return v.Open(&payload)
}

// IntegrityTag returns the hex HMAC-SHA256 of data under key.
func IntegrityTag(key, data []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyIntegrityTag compares tag against the tag of data in constant time.
func VerifyIntegrityTag(key, data []byte, tag string) bool {
	return SecureCompare([]byte(IntegrityTag(key, data)), []byte(tag))
}

// SecureCompare performs constant-time comparison to prevent timing attacks
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
