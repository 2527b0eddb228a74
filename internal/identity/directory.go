package identity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPDirectory reads user authorization documents over HTTP. The
// document body is free-form JSON maintained by back-office tooling;
// only the role claim matters here, so it is extracted by path rather
// than bound to a struct.
type HTTPDirectory struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPDirectory creates a directory client. A nil httpClient gets a
// 30-second timeout default.
func NewHTTPDirectory(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *HTTPDirectory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPDirectory{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Role returns the role claim from the user's document. A missing
// document or a document without a role both return "": the caller
// treats either as not authorized.
func (d *HTTPDirectory) Role(ctx context.Context, uid string) (string, error) {
	endpoint := d.baseURL + "/v1/users/" + url.PathEscape(uid)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	if d.apiKey != "" {
		req.Header.Set("X-Api-Key", d.apiKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching user document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user document endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading user document: %w", err)
	}

	// Only a string claim counts; anything else in the role field is
	// treated as absent.
	res := gjson.GetBytes(body, "role")
	if res.Type != gjson.String || res.String() == "" {
		d.logger.Debug("user document has no role claim", slog.String("uid", uid))
		return "", nil
	}

	return res.String(), nil
}
