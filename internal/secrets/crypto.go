// Package secrets encrypts token strings at rest. Each backend service
// gets its own AES-256-GCM key derived from a single persisted master
// key via HKDF-SHA256, so one service's stored bundle cannot decrypt
// the other's.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	apperrors "github.com/posware/pos-agent/internal/errors"
)

const (
	// MasterKeyLen is the master key length in bytes.
	MasterKeyLen = 32

	// hkdfKeyLen is the output length for HKDF-derived subkeys (32 bytes / 256 bits).
	hkdfKeyLen = 32

	// hkdfInfoPrefix namespaces the per-service key derivation.
	hkdfInfoPrefix = "PosAgentTokens:"
)

// Cipher authenticated-encrypts token strings for one backend service.
// Wire format: base64([12-byte nonce][ciphertext+GCM tag]).
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a service-scoped cipher from the 32-byte master
// key. The service name feeds the HKDF info parameter; derived key
// material is zeroed after the AEAD is constructed.
func NewCipher(masterKey []byte, service string) (*Cipher, error) {
	if len(masterKey) != MasterKeyLen {
		return nil, fmt.Errorf("invalid master key length %d: expected %d bytes", len(masterKey), MasterKeyLen)
	}

	gcmKey, err := hkdfDeriveKey(masterKey, nil, []byte(hkdfInfoPrefix+service), hkdfKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving %s token key: %w", service, err)
	}

	block, err := aes.NewCipher(gcmKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	// The AEAD retains its own copy of the key schedule.
	ZeroKey(gcmKey)

	return &Cipher{gcm: gcm}, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// once the key has been handed to NewCipher to limit the window during
// which raw key bytes are accessible in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Encrypt encrypts a token string with a fresh random nonce and returns
// base64([nonce][ciphertext+tag]).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	ct := c.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, len(nonce)+len(ct))
	copy(out, nonce)
	copy(out[len(nonce):], ct)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any failure — bad base64, truncated data,
// a wrong key, or an authentication tag mismatch — wraps
// errors.ErrDecryption so callers can treat the token as absent.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", apperrors.ErrDecryption, err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short (%d bytes)", apperrors.ErrDecryption, len(data))
	}

	plain, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrDecryption, err)
	}

	return string(plain), nil
}

// hkdfDeriveKey derives keyLen bytes using HKDF-SHA256 with the given
// IKM, salt, and info parameters.
func hkdfDeriveKey(ikm, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}
