package authclient

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Transport is an http.RoundTripper that authenticates requests against
// one backend service. It attaches the service's bearer token when a
// session exists, and on a 401 response refreshes the session and
// replays the request exactly once. A failed refresh propagates the
// refresh error and notifies the coordinator so the caller's next
// observation is a logged-out state.
type Transport struct {
	base    http.RoundTripper
	service *Service
	logger  *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.service.AccessToken()

	authed := cloneWithToken(req, token)

	resp, err := t.base.RoundTrip(authed)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// Replaying needs a rewindable body.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	t.logger.Debug("request unauthorized, refreshing session",
		slog.String("service", t.service.cfg.Name),
		slog.String("url", req.URL.String()),
	)

	if err := t.service.Refresh(req.Context()); err != nil {
		drainBody(resp)
		t.service.authFailed()

		return nil, fmt.Errorf("refreshing %s session after 401: %w", t.service.cfg.Name, err)
	}

	drainBody(resp)

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body for retry: %w", err)
		}

		retry.Body = body
	}

	return t.base.RoundTrip(cloneWithToken(retry, t.service.AccessToken()))
}

// cloneWithToken returns a copy of req carrying the bearer token, or
// the request unchanged when no token exists. The clone keeps the
// original request's header map intact for the caller.
func cloneWithToken(req *http.Request, token string) *http.Request {
	if token == "" {
		return req
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)

	return clone
}

// drainBody exhausts and closes a response body so the underlying
// connection can be reused.
func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
}
