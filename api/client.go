// api/client.go

// Client for the node status API, used by `clcat status`.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/thrylos-labs/clcat/node"
)

// Client represents an API client for a running node
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetStatus fetches the node's session snapshot.
func (c *Client) GetStatus(ctx context.Context) (*node.Status, error) {
	var status node.Status
	if err := c.get(ctx, "/api/v1/status", &status); err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}
	return &status, nil
}

// GetHealth fetches the node's health summary.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.get(ctx, "/api/v1/health", &health); err != nil {
		return nil, fmt.Errorf("failed to fetch health: %w", err)
	}
	return &health, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
