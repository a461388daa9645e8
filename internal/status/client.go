package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a thin HTTP client for a running nicmon's status server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Status fetches the current snapshot.
func (c *Client) Status(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := c.getJSON(ctx, "/status", &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// Healthy returns nil while the server reports healthy.
func (c *Client) Healthy(ctx context.Context) error {
	var out map[string]string
	return c.getJSON(ctx, "/healthz", &out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
