// Package webhooks notifies external services about findings and circuit
// breaker changes.
//
// Every delivery is a JSON POST signed with HMAC-SHA256 over the body when a
// secret is configured, so receivers can verify the sender.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventFindings      EventType = "findings.detected"
	EventBreakerChange EventType = "circuit_breaker.changed"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-TradeGuard-Event"
	HeaderTimestamp = "X-TradeGuard-Timestamp"
	HeaderSignature = "X-TradeGuard-Signature"
)

const (
	deliveryAttempts = 3
	deliveryBackoff  = 200 * time.Millisecond
	breakerTimeout   = 10 * time.Second
)

// Event is the JSON body of a delivery.
type Event struct {
	ID           string                `json:"id"`
	Type         EventType             `json:"type"`
	Timestamp    time.Time             `json:"timestamp"`
	TxRef        string                `json:"transactionHash,omitempty"`
	Block        uint64                `json:"blockNumber,omitempty"`
	Findings     []findings.Finding    `json:"findings,omitempty"`
	AlertIDs     []string              `json:"alertIds,omitempty"`
	BreakerEvent *circuitbreaker.Event `json:"breakerEvent,omitempty"`
}

// Endpoint is one delivery target and its last outcome.
type Endpoint struct {
	URL         string     `json:"url"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClock sets the clock for event timestamps and retry backoff.
func WithClock(c clockwork.Clock) Option {
	return func(n *Notifier) { n.clock = c }
}

// WithRetry sets the attempts per endpoint and the initial backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(n *Notifier) {
		n.attempts = attempts
		n.backoff = backoff
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// Notifier delivers events to a fixed set of endpoints.
type Notifier struct {
	secret   string
	client   *http.Client
	clock    clockwork.Clock
	attempts int
	backoff  time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	endpoints []*Endpoint
}

// NewNotifier creates a notifier for urls. secret may be empty, in which case
// deliveries are unsigned.
func NewNotifier(urls []string, secret string, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		clock:    clockwork.NewRealClock(),
		attempts: deliveryAttempts,
		backoff:  deliveryBackoff,
		logger:   logger,
	}
	for _, u := range urls {
		n.endpoints = append(n.endpoints, &Endpoint{URL: u})
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name identifies the notifier in router metrics.
func (n *Notifier) Name() string { return "webhooks" }

// PublishFindings delivers one event carrying the whole batch. It returns
// the first delivery error after trying every endpoint.
func (n *Notifier) PublishFindings(ctx context.Context, batch findings.Batch) error {
	if len(batch.Findings) == 0 {
		return nil
	}
	ids := make([]string, len(batch.Findings))
	for i, f := range batch.Findings {
		ids[i] = findings.AlertID(f)
	}
	return n.Dispatch(ctx, &Event{
		Type:     EventFindings,
		TxRef:    batch.TxRef,
		Block:    batch.Block,
		Findings: batch.Findings,
		AlertIDs: ids,
	})
}

// PublishBreakerEvent delivers a breaker change. It matches the breaker's
// subscriber signature and logs instead of returning errors.
func (n *Notifier) PublishBreakerEvent(ev circuitbreaker.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), breakerTimeout)
	defer cancel()
	if err := n.Dispatch(ctx, &Event{Type: EventBreakerChange, TxRef: ev.TxRef, BreakerEvent: &ev}); err != nil {
		n.logger.Warn("breaker webhook failed", "id", ev.ID, "error", err)
	}
}

// Dispatch sends event to every endpoint, filling in the id and timestamp.
func (n *Notifier) Dispatch(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = "evt_" + uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = n.clock.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	n.mu.RLock()
	targets := append([]*Endpoint(nil), n.endpoints...)
	n.mu.RUnlock()

	var firstErr error
	for _, ep := range targets {
		err := retry.Do(ctx, n.attempts, n.backoff, func() error {
			return n.send(ctx, ep.URL, event, payload)
		}, retry.WithClock(n.clock))
		n.record(ep, err)
		if err != nil {
			deliveryErrors.WithLabelValues(string(event.Type)).Inc()
			n.logger.Warn("webhook delivery failed", "url", ep.URL, "event", event.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deliveries.WithLabelValues(string(event.Type)).Inc()
	}
	return firstErr
}

func (n *Notifier) send(ctx context.Context, url string, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if n.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// The receiver rejected the payload; resending will not help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (n *Notifier) record(ep *Endpoint, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		ep.LastError = err.Error()
		return
	}
	now := n.clock.Now()
	ep.LastSuccess = &now
	ep.LastError = ""
}

// Endpoints returns a snapshot of the endpoints and their last outcome.
func (n *Notifier) Endpoints() []Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Endpoint, len(n.endpoints))
	for i, ep := range n.endpoints {
		out[i] = *ep
	}
	return out
}

// Healthy reports false when any endpoint's last delivery failed.
func (n *Notifier) Healthy() (bool, string) {
	for _, ep := range n.Endpoints() {
		if ep.LastError != "" {
			return false, fmt.Sprintf("%s: %s", ep.URL, ep.LastError)
		}
	}
	return true, ""
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
