package traceloom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ppiankov/traceloom/internal/engine"
	"github.com/ppiankov/traceloom/internal/model"
	"github.com/ppiankov/traceloom/internal/store"
)

// ErrNotFound is returned when the daemon has no trace with the given ID.
var ErrNotFound = fmt.Errorf("traceloom: trace not found")

// Client talks to a running daemon's read API. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// KPI fetches the current KPI aggregate.
func (c *Client) KPI(ctx context.Context) (engine.KPISnapshot, error) {
	var kpi engine.KPISnapshot
	err := c.get(ctx, "/v1/kpi", &kpi)
	return kpi, err
}

// Snapshot fetches the full state snapshot: KPIs plus every active trace.
func (c *Client) Snapshot(ctx context.Context) (*engine.StateSnapshot, error) {
	var snap engine.StateSnapshot
	if err := c.get(ctx, "/v1/snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Trace fetches one trace by ID. Returns ErrNotFound if it is unknown.
func (c *Client) Trace(ctx context.Context, traceID string) (*model.ActiveTrace, error) {
	var tr model.ActiveTrace
	if err := c.get(ctx, "/v1/traces/"+url.PathEscape(traceID), &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Replay fetches all events at or after since. A zero since fetches the
// whole log.
func (c *Client) Replay(ctx context.Context, since time.Time) (*store.ReplayResult, error) {
	path := "/v1/replay"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(model.TimestampFormat))
	}
	var result store.ReplayResult
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Compact asks the daemon to delete archives past its retention horizon,
// returning how many were removed.
func (c *Client) Compact(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/compact", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.do(req, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("traceloom: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("traceloom: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("traceloom: decode response: %w", err)
	}
	return nil
}
