// Package errors defines the sentinel errors shared across the session
// layer. Packages wrap these with fmt.Errorf("...: %w", err) so callers
// can classify failures with errors.Is without depending on message text.
package errors

import "errors"

// Local crypto/storage errors. These are recovered inside the token
// store boundary: a bundle that fails to decrypt is treated as absent
// and purged, never surfaced to UI callers.
var (
	ErrDecryption = errors.New("token decryption failed")

	// ErrKeyUnavailable reports that a previously stored encryption key
	// exists but cannot be read. Existing ciphertext is unrecoverable at
	// that point, so the caller must tear the session down rather than
	// mint a replacement key that silently orphans every stored token.
	ErrKeyUnavailable = errors.New("stored encryption key unreadable")
)

// Refresh-flow errors. These bubble out of the refresh coordinator so
// the auth client can reject the original request and run logout.
var (
	ErrNoIdentity   = errors.New("no identity provider user")
	ErrUnauthorized = errors.New("user has no role claim")
	ErrLoginFailed  = errors.New("backend login exchange failed")
)
