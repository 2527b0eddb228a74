package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCookies(t *testing.T) *CookieStore {
	t.Helper()
	return NewCookieStore(testState(t), testLogger())
}

func TestCookieStore_SetGet(t *testing.T) {
	c := testCookies(t)

	require.NoError(t, c.Set("auth_session", "handle-1"))
	assert.Equal(t, "handle-1", c.Get("auth_session"))
}

func TestCookieStore_GetAbsent(t *testing.T) {
	c := testCookies(t)
	assert.Empty(t, c.Get("auth_session"))
}

func TestCookieStore_SetOverwrites(t *testing.T) {
	c := testCookies(t)

	require.NoError(t, c.Set("auth_session", "old-handle"))
	require.NoError(t, c.Set("auth_session", "new-handle"))
	assert.Equal(t, "new-handle", c.Get("auth_session"))
}

func TestCookieStore_SessionAttributes(t *testing.T) {
	st := testState(t)
	c := NewCookieStore(st, testLogger())

	require.NoError(t, c.Set("auth_session", "handle-1"))

	rec, err := st.Cookie("auth_session")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Secure)
	assert.Equal(t, "Strict", rec.SameSite)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), rec.Expires, time.Minute)
}

func TestCookieStore_ExpiredReadsAsAbsentAndIsRemoved(t *testing.T) {
	st := testState(t)
	c := NewCookieStore(st, testLogger())

	c.now = func() time.Time { return time.Now().Add(-25 * time.Hour) }
	require.NoError(t, c.Set("auth_session", "stale-handle"))
	c.now = time.Now

	assert.Empty(t, c.Get("auth_session"))

	rec, err := st.Cookie("auth_session")
	require.NoError(t, err)
	assert.Nil(t, rec, "expired record must be deleted on read")
}

func TestCookieStore_DeleteIdempotent(t *testing.T) {
	c := testCookies(t)

	require.NoError(t, c.Set("auth_session", "handle-1"))
	require.NoError(t, c.Delete("auth_session"))
	require.NoError(t, c.Delete("auth_session"))
	assert.Empty(t, c.Get("auth_session"))
}

func TestCookieStore_NamesAreIndependent(t *testing.T) {
	c := testCookies(t)

	require.NoError(t, c.Set("auth_session", "h-main"))
	require.NoError(t, c.Set("sequal_session", "h-seq"))
	require.NoError(t, c.Delete("auth_session"))

	assert.Empty(t, c.Get("auth_session"))
	assert.Equal(t, "h-seq", c.Get("sequal_session"))
}
