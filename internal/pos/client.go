// Package pos is the thin domain API client on top of the service auth
// layer: inventory and unpaid orders from the main backend, accessories
// from the sequelizer. Requests go through each service's
// authenticating HTTP client, so token refresh and retry happen
// underneath.
package pos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const maxResponseBytes = 4 * 1024 * 1024

// Item is one sellable inventory entry.
type Item struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
	Category string  `json:"category,omitempty"`
}

// Order is an unpaid order awaiting completion.
type Order struct {
	ID        string    `json:"id"`
	Customer  string    `json:"customer"`
	Total     float64   `json:"total"`
	CreatedAt time.Time `json:"createdAt"`
}

// Accessory is a sequelizer-side catalogue entry.
type Accessory struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Stock int     `json:"stock"`
}

// Client reads POS domain data from both backends.
type Client struct {
	main       *http.Client
	mainURL    string
	sequelizer *http.Client
	seqURL     string
	logger     *slog.Logger
}

// NewClient builds a domain client over the two services' authed HTTP
// clients.
func NewClient(main *http.Client, mainURL string, sequelizer *http.Client, seqURL string, logger *slog.Logger) *Client {
	return &Client{
		main:       main,
		mainURL:    mainURL,
		sequelizer: sequelizer,
		seqURL:     seqURL,
		logger:     logger,
	}
}

// Inventory lists the main backend's inventory.
func (c *Client) Inventory(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := getJSON(ctx, c.main, c.mainURL+"/api/items/", &items); err != nil {
		return nil, fmt.Errorf("fetching inventory: %w", err)
	}

	return items, nil
}

// UnpaidOrders lists orders awaiting payment on the main backend.
func (c *Client) UnpaidOrders(ctx context.Context) ([]Order, error) {
	var orders []Order
	if err := getJSON(ctx, c.main, c.mainURL+"/api/orders/unpaid/", &orders); err != nil {
		return nil, fmt.Errorf("fetching unpaid orders: %w", err)
	}

	return orders, nil
}

// Accessories lists the sequelizer backend's accessory catalogue.
func (c *Client) Accessories(ctx context.Context) ([]Accessory, error) {
	var accessories []Accessory
	if err := getJSON(ctx, c.sequelizer, c.seqURL+"/nodeapp/accessories", &accessories); err != nil {
		return nil, fmt.Errorf("fetching accessories: %w", err)
	}

	return accessories, nil
}

// getJSON performs an authenticated GET and decodes the JSON response
// into out. Non-200 statuses are errors; auth failures have already
// been retried once by the transport underneath.
func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
