package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for reaching a tradeguard server.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Required for transitions and alert resolution
	OperatorID  string // Recorded in the breaker audit trail
	Timeout     time.Duration
}

// Client is a pure HTTP client for the tradeguard API. It backs both the MCP
// tools and the guardctl CLI.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.APIURL = strings.TrimSuffix(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.AdminSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AdminSecret)
	}
	if c.cfg.OperatorID != "" {
		req.Header.Set("X-Operator-ID", c.cfg.OperatorID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// BreakerStatus returns the circuit breaker state, active alert count and
// contract view.
func (c *Client) BreakerStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/circuit-breaker/status", nil, nil)
}

// BreakerEvents returns the newest audit events.
func (c *Client) BreakerEvents(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/circuit-breaker/events", q, nil)
}

// TriggerBreaker requests a transition: pause, resume or emergency.
func (c *Client) TriggerBreaker(ctx context.Context, action, reason string) (json.RawMessage, error) {
	body := map[string]string{"action": action, "reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/circuit-breaker", nil, body)
}

// AlertQuery filters ListAlerts. Zero values are omitted.
type AlertQuery struct {
	Status string
	Kind   string
	Limit  int
	Cursor string
}

// ListAlerts returns one page of alerts, newest first.
func (c *Client) ListAlerts(ctx context.Context, aq AlertQuery) (json.RawMessage, error) {
	q := url.Values{}
	if aq.Status != "" {
		q.Set("status", aq.Status)
	}
	if aq.Kind != "" {
		q.Set("kind", aq.Kind)
	}
	if aq.Limit > 0 {
		q.Set("limit", strconv.Itoa(aq.Limit))
	}
	if aq.Cursor != "" {
		q.Set("cursor", aq.Cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/alerts", q, nil)
}

// AlertStats returns alert counts grouped by severity, kind and status.
func (c *Client) AlertStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/alerts/stats", nil, nil)
}

// ResolveAlert marks every open alert with alertID as resolved.
func (c *Client) ResolveAlert(ctx context.Context, alertID string) (json.RawMessage, error) {
	path := "/v1/alerts/" + url.PathEscape(alertID) + "/resolve"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// TraderTrades returns a trader's retained trade history.
func (c *Client) TraderTrades(ctx context.Context, address, window string) (json.RawMessage, error) {
	q := url.Values{}
	if window != "" {
		q.Set("window", window)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/traders/"+url.PathEscape(address)+"/trades", q, nil)
}

// Health returns the subsystem health report. A degraded server answers 503,
// which surfaces as an error.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
}
