package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/posware/pos-agent/internal/errors"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. Provider responses are
	// small JSON payloads.
	maxResponseBytes = 1024 * 1024

	// tokenExpirySkew is subtracted from the reported token lifetime so
	// a token is refreshed before the backends see it expire.
	tokenExpirySkew = time.Minute
)

// providerSession is the in-memory provider state: the signed-in user
// plus the current identity token and the credential used to mint a
// replacement.
type providerSession struct {
	user         User
	idToken      string
	idTokenExp   time.Time
	refreshToken string
}

// Client is the HTTP implementation of Provider against the identity
// provider's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	// storedCredential is the persisted session credential from a
	// previous run, consumed once when the auth state first resolves.
	storedCredential string

	resolveOnce sync.Once

	mu   sync.Mutex
	sess *providerSession
}

// NewClient creates an identity provider client. storedCredential is
// the session credential persisted by a previous run, or "" when this
// profile has no provider session. A nil httpClient gets a 30-second
// timeout default.
func NewClient(baseURL, apiKey, storedCredential string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		baseURL:          baseURL,
		apiKey:           apiKey,
		httpClient:       httpClient,
		logger:           logger,
		storedCredential: storedCredential,
	}
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	UID          string `json:"uid"`
	Email        string `json:"email"`
	ExpiresIn    string `json:"expiresIn"`
}

// SignIn authenticates with email and password and establishes the
// provider session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*User, error) {
	var resp tokenResponse
	if err := c.post(ctx, "/v1/accounts/signin", signInRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	sess, err := c.sessionFromResponse(resp)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	// The auth state is now known even if WaitForUser never ran.
	c.resolveOnce.Do(func() {})

	user := sess.user

	return &user, nil
}

// WaitForUser resolves the auth state on first call: a stored session
// credential is exchanged for a fresh identity token, and any failure
// resolves to signed-out. Later calls return the current state
// immediately.
func (c *Client) WaitForUser(ctx context.Context) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.resolveOnce.Do(func() { c.resolveInitial(ctx) })

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return nil, nil
	}

	user := c.sess.user

	return &user, nil
}

// resolveInitial restores the provider session from the persisted
// credential. An unusable credential resolves to signed-out rather than
// an error; the caller's refresh flow turns that into a login redirect.
func (c *Client) resolveInitial(ctx context.Context) {
	if c.storedCredential == "" {
		return
	}

	var resp tokenResponse
	if err := c.post(ctx, "/v1/accounts/token", tokenRequest{RefreshToken: c.storedCredential}, &resp); err != nil {
		c.logger.Warn("restoring identity session failed", slog.Any("error", err))
		return
	}

	sess, err := c.sessionFromResponse(resp)
	if err != nil {
		c.logger.Warn("restoring identity session failed", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
}

// IDToken returns the current identity token, minting a fresh one when
// force is true or the cached token is near expiry.
func (c *Client) IDToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return "", apperrors.ErrNoIdentity
	}

	if !force && time.Now().Before(sess.idTokenExp.Add(-tokenExpirySkew)) {
		return sess.idToken, nil
	}

	var resp tokenResponse
	if err := c.post(ctx, "/v1/accounts/token", tokenRequest{RefreshToken: sess.refreshToken}, &resp); err != nil {
		return "", fmt.Errorf("minting identity token: %w", err)
	}

	fresh, err := c.sessionFromResponse(resp)
	if err != nil {
		return "", err
	}

	// The token endpoint does not echo the profile; keep the known user
	// when the response's claims lack one.
	if fresh.user.UID == "" {
		fresh.user = sess.user
	}

	c.mu.Lock()
	c.sess = fresh
	c.mu.Unlock()

	return fresh.idToken, nil
}

// SignOut invalidates the provider session. The local session is
// dropped even when the revocation call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess == nil {
		return nil
	}

	if err := c.post(ctx, "/v1/accounts/signout", tokenRequest{RefreshToken: sess.refreshToken}, nil); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	return nil
}

// RefreshCredential returns the current session credential for
// persistence, or "" when signed out.
func (c *Client) RefreshCredential() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return ""
	}

	return c.sess.refreshToken
}

// sessionFromResponse builds a provider session from a token endpoint
// response, filling the user from the identity token's claims when the
// response body omits the profile. Claims are read unverified; the
// backends are the ones that verify token signatures.
func (c *Client) sessionFromResponse(resp tokenResponse) (*providerSession, error) {
	if resp.IDToken == "" {
		return nil, fmt.Errorf("provider response missing identity token")
	}

	sess := &providerSession{
		user:         User{UID: resp.UID, Email: resp.Email},
		idToken:      resp.IDToken,
		refreshToken: resp.RefreshToken,
	}

	if secs, err := strconv.Atoi(resp.ExpiresIn); err == nil && secs > 0 {
		sess.idTokenExp = time.Now().Add(time.Duration(secs) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.IDToken, claims); err == nil {
		if sess.user.UID == "" {
			if sub, err := claims.GetSubject(); err == nil {
				sess.user.UID = sub
			}
		}

		if sess.user.Email == "" {
			if email, ok := claims["email"].(string); ok {
				sess.user.Email = email
			}
		}

		if sess.idTokenExp.IsZero() {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				sess.idTokenExp = exp.Time
			}
		}
	}

	return sess, nil
}

// post sends a JSON POST request to the provider and decodes the
// response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider %s returned status %d", endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}
