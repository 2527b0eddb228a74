package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/posware/pos-agent/internal/secrets"
	"github.com/posware/pos-agent/internal/state"
)

// maxBundleAge is how long a stored token bundle stays usable. Older
// bundles are never returned, even when they decrypt cleanly.
const maxBundleAge = 24 * time.Hour

// Tokens is a service's credential set as returned by its login
// endpoint. Refresh is empty for services that only issue access
// tokens.
type Tokens struct {
	Access  string
	Refresh string
}

// bundle is the stored, encrypted form of Tokens. Bundles are replaced
// whole on every store and never field-mutated in place.
type bundle struct {
	Access    string `json:"encryptedAccessToken"`
	Refresh   string `json:"encryptedRefreshToken,omitempty"`
	CreatedAt int64  `json:"createdAtEpochMillis"`
}

// Config names one service's cookie and storage footprint.
type Config struct {
	CookieName    string
	StoragePrefix string
	HasRefresh    bool
}

// TokenStore keeps one service's token bundles: an in-memory map from
// session handle to encrypted bundle, mirrored into the durable store
// and pointed at by the session cookie. Decryption and storage failures
// are recovered here by purging the offending entry; they never reach
// the caller.
type TokenStore struct {
	cfg     Config
	cipher  *secrets.Cipher
	st      *state.Store
	cookies *CookieStore
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	bundles map[string]bundle
}

// NewTokenStore creates a token store for one backend service.
func NewTokenStore(cfg Config, cipher *secrets.Cipher, st *state.Store, cookies *CookieStore, logger *slog.Logger) *TokenStore {
	return &TokenStore{
		cfg:     cfg,
		cipher:  cipher,
		st:      st,
		cookies: cookies,
		logger:  logger,
		now:     time.Now,
		bundles: make(map[string]bundle),
	}
}

func (t *TokenStore) storageKey(handle string) string {
	return t.cfg.StoragePrefix + handle
}

// Handle returns the current session handle from the cookie, or "".
func (t *TokenStore) Handle() string {
	return t.cookies.Get(t.cfg.CookieName)
}

// Store encrypts the tokens into a fresh bundle under a newly minted
// session handle, mirrors it durably, and points the cookie at the new
// handle. The cookie write comes last so concurrent readers observe
// either the previous complete bundle or the new one, never a partial
// state. The previous handle's durable entry is deliberately left
// behind; the logout sweep collects it.
func (t *TokenStore) Store(tokens Tokens) error {
	b := bundle{CreatedAt: t.now().UnixMilli()}

	enc, err := t.cipher.Encrypt(tokens.Access)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}

	b.Access = enc

	if t.cfg.HasRefresh && tokens.Refresh != "" {
		enc, err := t.cipher.Encrypt(tokens.Refresh)
		if err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}

		b.Refresh = enc
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshalling token bundle: %w", err)
	}

	handle := NewHandle()

	t.mu.Lock()
	t.bundles[handle] = b
	t.mu.Unlock()

	if err := t.st.SetTokenBlob(t.storageKey(handle), data); err != nil {
		return fmt.Errorf("persisting token bundle: %w", err)
	}

	if err := t.cookies.Set(t.cfg.CookieName, handle); err != nil {
		return fmt.Errorf("setting session cookie: %w", err)
	}

	return nil
}

// StoreAccess stores an access-only credential set.
func (t *TokenStore) StoreAccess(access string) error {
	return t.Store(Tokens{Access: access})
}

// AccessToken returns the current decrypted access token, or "" when no
// valid session exists. The lookup path is cookie, in-memory map, lazy
// restore from the durable store; an expired or undecryptable bundle is
// purged and reported as absent.
func (t *TokenStore) AccessToken() string {
	handle := t.Handle()
	if handle == "" {
		return ""
	}

	b, ok := t.lookup(handle)
	if !ok {
		return ""
	}

	if t.expired(b) {
		t.logger.Debug("token bundle expired",
			slog.String("cookie", t.cfg.CookieName),
			slog.Int64("created_at_ms", b.CreatedAt),
		)
		t.purge(handle)

		return ""
	}

	access, err := t.cipher.Decrypt(b.Access)
	if err != nil {
		t.logger.Warn("purging undecryptable token bundle",
			slog.String("cookie", t.cfg.CookieName),
			slog.Any("error", err),
		)
		t.purge(handle)

		return ""
	}

	return access
}

// RefreshToken returns the current decrypted refresh token, or "" when
// the session is absent, expired, or the service carries no refresh
// token.
func (t *TokenStore) RefreshToken() string {
	handle := t.Handle()
	if handle == "" {
		return ""
	}

	b, ok := t.lookup(handle)
	if !ok || b.Refresh == "" || t.expired(b) {
		return ""
	}

	refresh, err := t.cipher.Decrypt(b.Refresh)
	if err != nil {
		t.logger.Warn("purging bundle with undecryptable refresh token",
			slog.String("cookie", t.cfg.CookieName),
			slog.Any("error", err),
		)
		t.purge(handle)

		return ""
	}

	return refresh
}

// Age returns how old the current bundle is, or (0, false) when no
// bundle is loaded for the current handle.
func (t *TokenStore) Age() (time.Duration, bool) {
	handle := t.Handle()
	if handle == "" {
		return 0, false
	}

	b, ok := t.lookup(handle)
	if !ok {
		return 0, false
	}

	return time.Duration(t.now().UnixMilli()-b.CreatedAt) * time.Millisecond, true
}

// Clear removes the current session: the in-memory entry, the durable
// entry, and the cookie. Safe to call repeatedly.
func (t *TokenStore) Clear() {
	handle := t.Handle()
	if handle != "" {
		t.mu.Lock()
		delete(t.bundles, handle)
		t.mu.Unlock()

		if err := t.st.DeleteTokenBlob(t.storageKey(handle)); err != nil {
			t.logger.Warn("deleting token bundle failed",
				slog.String("cookie", t.cfg.CookieName),
				slog.Any("error", err),
			)
		}
	}

	if err := t.cookies.Delete(t.cfg.CookieName); err != nil {
		t.logger.Warn("deleting session cookie failed",
			slog.String("cookie", t.cfg.CookieName),
			slog.Any("error", err),
		)
	}
}

// lookup finds the bundle for a handle in the in-memory map, falling
// back to a one-time restore from the durable store after a restart.
func (t *TokenStore) lookup(handle string) (bundle, bool) {
	t.mu.RLock()
	b, ok := t.bundles[handle]
	t.mu.RUnlock()

	if ok {
		return b, true
	}

	return t.restore(handle)
}

// restore rebuilds the in-memory entry from the durable store. The
// entry is validated by attempting decryption; anything invalid is
// purged so the next read fails fast.
func (t *TokenStore) restore(handle string) (bundle, bool) {
	data, err := t.st.TokenBlob(t.storageKey(handle))
	if err != nil {
		t.logger.Warn("restoring token bundle failed",
			slog.String("cookie", t.cfg.CookieName),
			slog.Any("error", err),
		)

		return bundle{}, false
	}

	if data == nil {
		return bundle{}, false
	}

	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		t.logger.Warn("purging malformed token bundle", slog.String("cookie", t.cfg.CookieName))
		t.purge(handle)

		return bundle{}, false
	}

	if _, err := t.cipher.Decrypt(b.Access); err != nil {
		t.logger.Warn("purging token bundle that fails decryption",
			slog.String("cookie", t.cfg.CookieName),
			slog.Any("error", err),
		)
		t.purge(handle)

		return bundle{}, false
	}

	t.mu.Lock()
	t.bundles[handle] = b
	t.mu.Unlock()

	return b, true
}

func (t *TokenStore) expired(b bundle) bool {
	age := time.Duration(t.now().UnixMilli()-b.CreatedAt) * time.Millisecond
	return age > maxBundleAge
}

// purge drops a handle's bundle from memory and durable storage. The
// cookie is left alone; a subsequent Store overwrites it.
func (t *TokenStore) purge(handle string) {
	t.mu.Lock()
	delete(t.bundles, handle)
	t.mu.Unlock()

	if err := t.st.DeleteTokenBlob(t.storageKey(handle)); err != nil {
		t.logger.Warn("purging token bundle failed",
			slog.String("cookie", t.cfg.CookieName),
			slog.Any("error", err),
		)
	}
}
