package secrets

import (
	"crypto/rand"
	"fmt"
	"log/slog"

	apperrors "github.com/posware/pos-agent/internal/errors"
)

// KeyStore is the durable home of the master encryption key.
// Implemented by state.Store.
type KeyStore interface {
	// EncryptionKey returns the stored key, (nil, nil) when no key has
	// ever been stored, or an error when a stored key cannot be read.
	EncryptionKey() ([]byte, error)
	SetEncryptionKey(key []byte) error
}

// LoadOrCreateKey returns the master encryption key for this profile,
// generating and persisting one on first run.
//
// A key that exists but cannot be read is fatal
// (errors.ErrKeyUnavailable): every token encrypted under it is already
// unrecoverable, and minting a replacement would only hide that by
// silently orphaning the stored ciphertext. The caller is expected to
// reset the profile and force a fresh login.
//
// Failure to persist a newly generated key is non-fatal: the key stays
// usable for the lifetime of this process, sessions just will not
// survive a restart.
func LoadOrCreateKey(ks KeyStore, logger *slog.Logger) ([]byte, error) {
	key, err := ks.EncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrKeyUnavailable, err)
	}

	if key != nil {
		return key, nil
	}

	key = make([]byte, MasterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating encryption key: %w", err)
	}

	if err := ks.SetEncryptionKey(key); err != nil {
		logger.Warn("persisting encryption key failed; sessions will not survive restart",
			slog.Any("error", err),
		)
	}

	return key, nil
}
