// Package geoclient talks to the location relay that holds device location
// fixes submitted out of band.
package geoclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrFixNotFound = errors.New("location fix not found")
	ErrDisabled    = errors.New("location relay disabled")
)

// Fix is a device location reading held by the relay.
type Fix struct {
	ID        string    `json:"id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy_m"`
	TakenAt   time.Time `json:"taken_at"`
}

// Client calls the location relay.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Callers bound each call with their own context; the
// HTTP timeout is only a backstop.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Fix fetches a fix by id.
func (c *Client) Fix(ctx context.Context, id string) (*Fix, error) {
	if c.Skip {
		return nil, ErrDisabled
	}
	if id == "" {
		return nil, fmt.Errorf("fix id required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/fixes/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("location relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrFixNotFound
	}
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("location relay error %s: %s", resp.Status, string(bodyBytes))
	}

	var out Fix
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

// Resolve returns the coordinates of a fix.
func (c *Client) Resolve(ctx context.Context, fixID string) (float64, float64, error) {
	fix, err := c.Fix(ctx, fixID)
	if err != nil {
		return 0, 0, err
	}
	return fix.Latitude, fix.Longitude, nil
}

// Health checks if the relay is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("location relay unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("location relay unhealthy: %s", resp.Status)
	}
	return nil
}
