package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/posware/pos-agent/internal/identity"
	"github.com/posware/pos-agent/internal/session"
	"github.com/posware/pos-agent/internal/state"
)

func newTestCoordinator(t *testing.T, st *state.Store, provider identity.Provider) (*Coordinator, *Service, *Service) {
	t.Helper()

	directory := identity.NewMockDirectory(gomock.NewController(t))
	main := newTestService(t, st, mainConfig("http://unused.invalid"), provider, directory)
	seq := newTestService(t, st, sequelizerConfig("http://unused.invalid"), provider, directory)

	return NewCoordinator(main, seq, provider, st, testLogger()), main, seq
}

func TestLogout_ClearsBothSessionsAndSignsOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := testState(t)

	provider := identity.NewMockProvider(ctrl)
	provider.EXPECT().SignOut(gomock.Any()).Return(nil)

	coord, main, seq := newTestCoordinator(t, st, provider)

	require.NoError(t, main.StoreTokens(session.Tokens{Access: "main-access", Refresh: "main-refresh"}))
	require.NoError(t, seq.StoreAccessToken("seq-access"))

	coord.Logout(context.Background())

	assert.Empty(t, main.AccessToken())
	assert.Empty(t, seq.AccessToken())
}

func TestLogout_SweepsOrphanedTokenEntries(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := testState(t)

	provider := identity.NewMockProvider(ctrl)
	provider.EXPECT().SignOut(gomock.Any()).Return(nil)

	coord, main, _ := newTestCoordinator(t, st, provider)

	// Rotating the session leaves the previous handle's durable entry
	// behind; only the logout sweep collects it.
	require.NoError(t, main.StoreTokens(session.Tokens{Access: "first"}))
	require.NoError(t, main.StoreTokens(session.Tokens{Access: "second"}))

	keys, err := st.TokenKeysWithPrefix("auth_tokens_")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	coord.Logout(context.Background())

	keys, err = st.TokenKeysWithPrefix("auth_tokens_")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLogout_SignOutFailureStillClearsLocalState(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := testState(t)

	provider := identity.NewMockProvider(ctrl)
	provider.EXPECT().SignOut(gomock.Any()).Return(errors.New("revocation endpoint down"))

	coord, main, seq := newTestCoordinator(t, st, provider)

	require.NoError(t, main.StoreTokens(session.Tokens{Access: "main-access"}))
	require.NoError(t, seq.StoreAccessToken("seq-access"))

	var loggedOut bool
	coord.OnLoggedOut = func() { loggedOut = true }

	coord.Logout(context.Background())

	assert.Empty(t, main.AccessToken())
	assert.Empty(t, seq.AccessToken())
	assert.True(t, loggedOut)
}

func TestLogout_IsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := testState(t)

	provider := identity.NewMockProvider(ctrl)
	provider.EXPECT().SignOut(gomock.Any()).Return(nil).Times(2)

	coord, main, _ := newTestCoordinator(t, st, provider)
	require.NoError(t, main.StoreTokens(session.Tokens{Access: "main-access"}))

	var callbacks int
	coord.OnLoggedOut = func() { callbacks++ }

	coord.Logout(context.Background())
	coord.Logout(context.Background())

	assert.Empty(t, main.AccessToken())
	assert.Equal(t, 2, callbacks)
}

func TestLogin_RefreshesBothServices(t *testing.T) {
	st := testState(t)

	provider := &blockingProvider{release: make(chan struct{})}
	close(provider.release)

	mainSrv, seqSrv := loginServers(t)

	main := newTestService(t, st, mainConfig(mainSrv), provider, staticDirectory{})
	seq := newTestService(t, st, sequelizerConfig(seqSrv), provider, staticDirectory{})
	coord := NewCoordinator(main, seq, provider, st, testLogger())

	require.NoError(t, coord.Login(context.Background()))

	assert.Equal(t, "main-access", main.AccessToken())
	assert.Equal(t, "seq-access", seq.AccessToken())
}

func TestAuthFailureHookTriggersSharedLogout(t *testing.T) {
	st := testState(t)

	provider := &blockingProvider{release: make(chan struct{})}
	close(provider.release)

	coord, main, seq := newTestCoordinator(t, st, signOutOK{provider})

	require.NoError(t, main.StoreTokens(session.Tokens{Access: "main-access"}))
	require.NoError(t, seq.StoreAccessToken("seq-access"))

	var loggedOut bool
	coord.OnLoggedOut = func() { loggedOut = true }

	main.authFailed()

	assert.Empty(t, main.AccessToken())
	assert.Empty(t, seq.AccessToken())
	assert.True(t, loggedOut)
}

// loginServers starts stub login endpoints for both services and
// returns their base URLs.
func loginServers(t *testing.T) (mainURL, seqURL string) {
	t.Helper()

	mainSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access": "main-access", "refresh": "main-refresh"})
	}))
	t.Cleanup(mainSrv.Close)

	seqSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "seq-access"})
	}))
	t.Cleanup(seqSrv.Close)

	return mainSrv.URL, seqSrv.URL
}

// signOutOK wraps a provider so SignOut never hits the network in tests
// that only exercise the local teardown.
type signOutOK struct{ identity.Provider }

func (signOutOK) SignOut(_ context.Context) error { return nil }
