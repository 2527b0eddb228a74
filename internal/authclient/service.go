// Package authclient implements the per-service authentication layer:
// a generic backend auth client parameterized by service configuration,
// the refresh coordinator that re-derives backend tokens from the
// identity provider, and the logout coordinator shared by both
// services. The main and sequelizer services are two instances of the
// same client differing only in configuration.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/posware/pos-agent/internal/errors"
	"github.com/posware/pos-agent/internal/identity"
	"github.com/posware/pos-agent/internal/session"
)

const (
	// httpClientTimeout is the timeout for the default login-exchange
	// client when none is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps login response reads.
	maxResponseBytes = 1024 * 1024
)

// LoginError reports a backend login exchange that did not return
// success. It wraps errors.ErrLoginFailed for errors.Is checks.
type LoginError struct {
	Service string
	Status  int
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("%s login returned status %d", e.Service, e.Status)
}

func (e *LoginError) Unwrap() error { return apperrors.ErrLoginFailed }

// ServiceConfig parameterizes one backend service's auth client.
type ServiceConfig struct {
	// Name identifies the service in logs and errors ("main",
	// "sequelizer").
	Name string

	// BaseURL is the service's API origin.
	BaseURL string

	// LoginPath is the endpoint that exchanges an identity token for
	// backend tokens.
	LoginPath string

	// CookieName and StoragePrefix name the service's session cookie
	// and durable token keys.
	CookieName    string
	StoragePrefix string

	// HasRefreshToken is true when the login exchange returns a
	// refresh token alongside the access token.
	HasRefreshToken bool

	// SendCookies includes the current session cookie on the login
	// exchange, for services that key server-side state off it.
	SendCookies bool
}

// Service is one backend service's auth client. It owns the service's
// token store and exposes the public session contract: read the current
// access token, force a refresh, store tokens, and hand out an HTTP
// client that authenticates and retries transparently.
type Service struct {
	cfg        ServiceConfig
	tokens     *session.TokenStore
	provider   identity.Provider
	directory  identity.Directory
	httpClient *http.Client
	logger     *slog.Logger

	// refreshGroup collapses concurrent refresh attempts into one
	// in-flight run shared by all callers.
	refreshGroup singleflight.Group

	// onAuthFailure runs when a 401-triggered refresh fails; the
	// coordinator wires it to logout.
	onAuthFailure func()
}

// NewService creates the auth client for one backend service. A nil
// httpClient gets a 30-second timeout default; it is used for the login
// exchange only, never for caller traffic.
func NewService(cfg ServiceConfig, tokens *session.TokenStore, provider identity.Provider, directory identity.Directory, httpClient *http.Client, logger *slog.Logger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Service{
		cfg:        cfg,
		tokens:     tokens,
		provider:   provider,
		directory:  directory,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Config returns the service's configuration.
func (s *Service) Config() ServiceConfig { return s.cfg }

// AccessToken returns the current decrypted access token, or "" when
// no valid session exists.
func (s *Service) AccessToken() string { return s.tokens.AccessToken() }

// StoreTokens stores a full credential set under a new session handle.
func (s *Service) StoreTokens(t session.Tokens) error { return s.tokens.Store(t) }

// StoreAccessToken stores an access-only credential set.
func (s *Service) StoreAccessToken(access string) error { return s.tokens.StoreAccess(access) }

// ClearSession removes the service's current session.
func (s *Service) ClearSession() { s.tokens.Clear() }

// SessionAge reports the current token bundle's age.
func (s *Service) SessionAge() (time.Duration, bool) { return s.tokens.Age() }

// HTTPClient returns a client whose transport injects this service's
// bearer token and performs the one-shot 401 refresh-and-retry.
func (s *Service) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &Transport{base: http.DefaultTransport, service: s, logger: s.logger},
	}
}

// authFailed notifies the coordinator that a refresh triggered by a 401
// could not recover the session.
func (s *Service) authFailed() {
	if s.onAuthFailure != nil {
		s.onAuthFailure()
	}
}

// Refresh re-derives this service's backend tokens from the identity
// provider session and atomically replaces the stored bundle.
// Concurrent callers share a single in-flight refresh: the first
// starts it, the rest wait for its result.
func (s *Service) Refresh(ctx context.Context) error {
	_, err, _ := s.refreshGroup.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})

	return err
}

// refresh runs one full coordinator pass: resolve the provider's auth
// state, confirm the role claim, mint a fresh identity token, exchange
// it at the service's login endpoint, and store the result. The named
// failures (no identity, no role, rejected exchange) clear the stored
// session; any other failure leaves previous tokens in place.
func (s *Service) refresh(ctx context.Context) error {
	user, err := s.provider.WaitForUser(ctx)
	if err != nil {
		return fmt.Errorf("resolving auth state: %w", err)
	}

	if user == nil {
		s.tokens.Clear()
		return fmt.Errorf("refreshing %s session: %w", s.cfg.Name, apperrors.ErrNoIdentity)
	}

	role, err := s.directory.Role(ctx, user.UID)
	if err != nil {
		return fmt.Errorf("looking up role for %s: %w", user.UID, err)
	}

	if role == "" {
		s.tokens.Clear()
		return fmt.Errorf("refreshing %s session for %s: %w", s.cfg.Name, user.UID, apperrors.ErrUnauthorized)
	}

	idToken, err := s.provider.IDToken(ctx, true)
	if err != nil {
		return fmt.Errorf("minting identity token: %w", err)
	}

	tokens, err := s.login(ctx, idToken)
	if err != nil {
		if errors.Is(err, apperrors.ErrLoginFailed) {
			s.tokens.Clear()
		}

		return err
	}

	if err := s.tokens.Store(tokens); err != nil {
		return fmt.Errorf("storing %s tokens: %w", s.cfg.Name, err)
	}

	s.logger.Debug("refreshed backend session",
		slog.String("service", s.cfg.Name),
		slog.String("uid", user.UID),
		slog.String("role", role),
	)

	return nil
}

type loginRequest struct {
	IDToken string `json:"idToken"`
}

// loginResponse covers both backends' shapes: the main service returns
// access+refresh, the sequelizer returns a single token field.
type loginResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Token   string `json:"token"`
}

// login exchanges an identity token for backend tokens at the service's
// login endpoint.
func (s *Service) login(ctx context.Context, idToken string) (session.Tokens, error) {
	payload, err := json.Marshal(loginRequest{IDToken: idToken})
	if err != nil {
		return session.Tokens{}, fmt.Errorf("marshalling login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+s.cfg.LoginPath, bytes.NewReader(payload))
	if err != nil {
		return session.Tokens{}, fmt.Errorf("creating login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if s.cfg.SendCookies {
		if handle := s.tokens.Handle(); handle != "" {
			req.AddCookie(&http.Cookie{Name: s.cfg.CookieName, Value: handle})
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return session.Tokens{}, fmt.Errorf("sending %s login request: %w", s.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return session.Tokens{}, fmt.Errorf("reading %s login response: %w", s.cfg.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return session.Tokens{}, &LoginError{Service: s.cfg.Name, Status: resp.StatusCode}
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return session.Tokens{}, fmt.Errorf("decoding %s login response: %w", s.cfg.Name, err)
	}

	tokens := session.Tokens{Access: lr.Access, Refresh: lr.Refresh}
	if !s.cfg.HasRefreshToken {
		tokens = session.Tokens{Access: lr.Token}
	}

	if tokens.Access == "" {
		return session.Tokens{}, fmt.Errorf("%s login response missing token: %w", s.cfg.Name, apperrors.ErrLoginFailed)
	}

	return tokens, nil
}
