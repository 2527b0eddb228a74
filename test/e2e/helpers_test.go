package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/posware/pos-agent/internal/authclient"
	"github.com/posware/pos-agent/internal/identity"
	"github.com/posware/pos-agent/internal/secrets"
	"github.com/posware/pos-agent/internal/session"
	"github.com/posware/pos-agent/internal/state"
)

const (
	testUID      = "uid-e2e"
	testEmail    = "cashier@example.com"
	testPassword = "hunter2hunter2"
	testRole     = "cashier"
)

// harness runs fake identity, directory, main, and sequelizer backends
// and wires the real client stack against them.
type harness struct {
	t *testing.T

	identitySrv *httptest.Server
	mainSrv     *httptest.Server
	seqSrv      *httptest.Server

	statePath string
	st        *state.Store

	provider    *identity.Client
	main        *authclient.Service
	sequelizer  *authclient.Service
	coordinator *authclient.Coordinator

	// role returned by the directory; swap to "" to simulate a user
	// without access.
	role atomic.Value

	// validMainToken is the access token the main backend currently
	// accepts; rotate it to force 401s.
	validMainToken atomic.Value

	mainLogins atomic.Int32
	seqLogins  atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{t: t, statePath: filepath.Join(t.TempDir(), "state.db")}
	h.role.Store(testRole)
	h.validMainToken.Store("main-access-1")

	h.identitySrv = httptest.NewServer(http.HandlerFunc(h.handleIdentity))
	t.Cleanup(h.identitySrv.Close)

	h.mainSrv = httptest.NewServer(http.HandlerFunc(h.handleMain))
	t.Cleanup(h.mainSrv.Close)

	h.seqSrv = httptest.NewServer(http.HandlerFunc(h.handleSequelizer))
	t.Cleanup(h.seqSrv.Close)

	h.wire("")

	return h
}

// wire builds the client stack over the current state database, as a
// fresh process start would. storedCredential seeds the identity
// client's restore path.
func (h *harness) wire(storedCredential string) {
	h.t.Helper()

	if h.st != nil {
		require.NoError(h.t, h.st.Close())
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := state.OpenAt(h.statePath)
	require.NoError(h.t, err)
	h.st = st
	h.t.Cleanup(func() { h.st.Close() })

	masterKey, err := secrets.LoadOrCreateKey(st, logger)
	require.NoError(h.t, err)

	h.provider = identity.NewClient(h.identitySrv.URL, "e2e-api-key", storedCredential, nil, logger)
	directory := identity.NewHTTPDirectory(h.identitySrv.URL, "e2e-api-key", nil, logger)

	h.main = h.newService(authclient.ServiceConfig{
		Name:            "main",
		BaseURL:         h.mainSrv.URL,
		LoginPath:       "/api/firebase-auth/",
		CookieName:      "auth_session",
		StoragePrefix:   "auth_tokens_",
		HasRefreshToken: true,
	}, masterKey, directory, logger)

	h.sequelizer = h.newService(authclient.ServiceConfig{
		Name:          "sequelizer",
		BaseURL:       h.seqSrv.URL,
		LoginPath:     "/nodeapp/authenticate",
		CookieName:    "sequal_session",
		StoragePrefix: "sequal_tokens_",
		SendCookies:   true,
	}, masterKey, directory, logger)

	h.coordinator = authclient.NewCoordinator(h.main, h.sequelizer, h.provider, st, logger)
}

func (h *harness) newService(cfg authclient.ServiceConfig, masterKey []byte, directory identity.Directory, logger *slog.Logger) *authclient.Service {
	h.t.Helper()

	cipher, err := secrets.NewCipher(masterKey, cfg.Name)
	require.NoError(h.t, err)

	cookies := session.NewCookieStore(h.st, logger)
	tokens := session.NewTokenStore(session.Config{
		CookieName:    cfg.CookieName,
		StoragePrefix: cfg.StoragePrefix,
		HasRefresh:    cfg.HasRefreshToken,
	}, cipher, h.st, cookies, logger)

	return authclient.NewService(cfg, tokens, h.provider, directory, nil, logger)
}

// restart simulates a process restart: the state database persists,
// everything in memory is rebuilt.
func (h *harness) restart(storedCredential string) {
	h.t.Helper()
	h.wire(storedCredential)
}

// --- fake identity provider + directory ---

func (h *harness) handleIdentity(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/accounts/signin":
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if req.Email != testEmail || req.Password != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		h.writeTokenResponse(w)
	case "/v1/accounts/token":
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if req.RefreshToken != "identity-refresh" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		h.writeTokenResponse(w)
	case "/v1/accounts/signout":
		w.WriteHeader(http.StatusOK)
	case "/v1/users/" + testUID:
		json.NewEncoder(w).Encode(map[string]any{"role": h.role.Load()})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *harness) writeTokenResponse(w http.ResponseWriter) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   testUID,
		"email": testEmail,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("e2e-signing-key"))
	require.NoError(h.t, err)

	json.NewEncoder(w).Encode(map[string]string{
		"idToken":      token,
		"refreshToken": "identity-refresh",
		"uid":          testUID,
		"email":        testEmail,
		"expiresIn":    "3600",
	})
}

// --- fake main backend ---

func (h *harness) handleMain(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/firebase-auth/":
		h.mainLogins.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"access":  h.validMainToken.Load().(string),
			"refresh": "main-refresh",
		})
	case "/api/items/":
		if r.Header.Get("Authorization") != "Bearer "+h.validMainToken.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		io.WriteString(w, `[{"id":"i1","name":"Widget","price":9.99,"quantity":3}]`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// --- fake sequelizer backend ---

func (h *harness) handleSequelizer(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/nodeapp/authenticate":
		h.seqLogins.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"token": "seq-access-1"})
	case "/nodeapp/accessories":
		if r.Header.Get("Authorization") != "Bearer seq-access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		io.WriteString(w, `[{"id":"a1","name":"Case","price":12.0,"stock":7}]`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// rawStoredTokens reads every durable token entry under a prefix for
// at-rest inspection.
func (h *harness) rawStoredTokens(prefix string) []string {
	h.t.Helper()

	keys, err := h.st.TokenKeysWithPrefix(prefix)
	require.NoError(h.t, err)

	var blobs []string

	for _, key := range keys {
		blob, err := h.st.TokenBlob(key)
		require.NoError(h.t, err)
		blobs = append(blobs, string(blob))
	}

	return blobs
}

func testLoggerE2E() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
