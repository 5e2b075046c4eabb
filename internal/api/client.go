package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cculver78/WireWarden/internal/domain"
)

const clientTimeout = 2 * time.Minute

// Client talks to a running daemon's local API. One-shot commands prefer
// it over direct invocation so a single coordinator stays authoritative.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the daemon listening on addr
// (host:port, as recorded in the registry entry).
func NewClient(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		// Command requests block for the full wg-quick run, so the
		// client timeout must exceed the runner's.
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// APIError carries the daemon's error response. Kind mirrors the
// server-side classification so callers can branch without string
// matching.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("daemon returned status %d", e.Status)
}

// Health checks that the daemon answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil)
}

// Status fetches the full snapshot.
func (c *Client) Status(ctx context.Context) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/status", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Tunnels fetches the tunnel list.
func (c *Client) Tunnels(ctx context.Context) ([]domain.TunnelStatus, error) {
	var tunnels []domain.TunnelStatus
	if err := c.do(ctx, http.MethodGet, "/v1/tunnels", &tunnels); err != nil {
		return nil, err
	}
	return tunnels, nil
}

// Activate brings the named tunnel up through the daemon.
func (c *Client) Activate(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v1/tunnels/"+name+"/activate", nil)
}

// Deactivate brings the named tunnel down through the daemon.
func (c *Client) Deactivate(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v1/tunnels/"+name+"/deactivate", nil)
}

// Rescan triggers a directory rescan.
func (c *Client) Rescan(ctx context.Context) (*domain.ScanSummary, error) {
	var summary domain.ScanSummary
	if err := c.do(ctx, http.MethodPost, "/v1/rescan", &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// History fetches recent transition records, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]domain.TransitionRecord, error) {
	path := "/v1/history"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var records []domain.TransitionRecord
	if err := c.do(ctx, http.MethodGet, path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var body errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr == nil {
			apiErr.Message = body.Error
			apiErr.Kind = body.Kind
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
