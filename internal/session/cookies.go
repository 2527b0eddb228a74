// Package session holds the per-service session state: the cookie that
// carries the opaque session handle and the token store that maps
// handles to encrypted token bundles. The durable store in
// internal/state is the source of truth across restarts; everything
// here is a read-through cache in front of it.
package session

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/posware/pos-agent/internal/state"
)

// cookieTTL is the session cookie lifetime. Bundles older than this are
// also considered expired regardless of cookie state.
const cookieTTL = 24 * time.Hour

// NewHandle mints an opaque session handle (128 bits of entropy).
func NewHandle() string {
	return uuid.NewString()
}

// CookieStore persists session cookies with the attributes the POS
// front-end sets in the browser: secure, SameSite strict, one-day
// expiry. Reads of expired records behave as absent and remove the
// record.
type CookieStore struct {
	st     *state.Store
	logger *slog.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewCookieStore creates a cookie store over the durable state store.
func NewCookieStore(st *state.Store, logger *slog.Logger) *CookieStore {
	return &CookieStore{st: st, logger: logger, now: time.Now}
}

// Get returns the cookie value for a name, or "" when the cookie is
// absent or past its expiry. Expired records are deleted on read.
func (c *CookieStore) Get(name string) string {
	rec, err := c.st.Cookie(name)
	if err != nil {
		c.logger.Warn("reading cookie failed", slog.String("name", name), slog.Any("error", err))
		return ""
	}

	if rec == nil {
		return ""
	}

	if !c.now().Before(rec.Expires) {
		if err := c.st.DeleteCookie(name); err != nil {
			c.logger.Warn("deleting expired cookie failed", slog.String("name", name), slog.Any("error", err))
		}

		return ""
	}

	return rec.Value
}

// Set writes a cookie with the standard session attributes, replacing
// any previous value.
func (c *CookieStore) Set(name, value string) error {
	return c.st.SetCookie(name, state.CookieRecord{
		Value:    value,
		Expires:  c.now().Add(cookieTTL),
		Secure:   true,
		SameSite: "Strict",
	})
}

// Delete removes a cookie. Idempotent.
func (c *CookieStore) Delete(name string) error {
	return c.st.DeleteCookie(name)
}
