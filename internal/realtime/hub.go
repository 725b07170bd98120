// Package realtime streams findings and circuit breaker changes to WebSocket
// clients. Delivery is best-effort: slow clients are disconnected and a full
// broadcast queue drops events rather than blocking the caller.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/metrics"
)

// ErrQueueFull is returned when an event is dropped.
var ErrQueueFull = errors.New("realtime: broadcast queue full")

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType for real-time events
type EventType string

const (
	EventFindings     EventType = "findings"
	EventBreakerState EventType = "breaker_state"
	EventSnapshot     EventType = "snapshot"
)

// Event represents a real-time event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription filters for a client. Clients send a new subscription as a
// JSON text message at any time.
type Subscription struct {
	AllEvents   bool        `json:"allEvents"`
	EventTypes  []EventType `json:"eventTypes"`
	Subjects    []string    `json:"subjects"`    // Trader addresses
	Kinds       []string    `json:"kinds"`       // Finding kinds or alert ids
	MinSeverity string      `json:"minSeverity"` // low, medium, high, critical
}

// filter is a compiled Subscription.
type filter struct {
	all      bool
	types    []EventType
	subjects map[string]bool
	kinds    map[findings.Kind]bool
	minSev   findings.Severity
}

func compile(sub Subscription) filter {
	f := filter{all: sub.AllEvents, types: sub.EventTypes}
	if len(sub.Subjects) > 0 {
		f.subjects = make(map[string]bool, len(sub.Subjects))
		for _, s := range sub.Subjects {
			f.subjects[strings.ToLower(strings.TrimSpace(s))] = true
		}
	}
	if len(sub.Kinds) > 0 {
		f.kinds = make(map[findings.Kind]bool, len(sub.Kinds))
		for _, k := range sub.Kinds {
			if kind, err := findings.ParseKind(k); err == nil {
				f.kinds[kind] = true
			}
		}
	}
	if sub.MinSeverity != "" {
		f.minSev, _ = findings.ParseSeverity(sub.MinSeverity)
	}
	return f
}

// narrowsFindings reports whether the filter can drop individual findings.
func (f filter) narrowsFindings() bool {
	return !f.all && (f.subjects != nil || f.kinds != nil || f.minSev > findings.SeverityLow)
}

func (f filter) matches(fd findings.Finding) bool {
	if f.subjects != nil && !f.subjects[strings.ToLower(fd.Subject)] {
		return false
	}
	if f.kinds != nil && !f.kinds[fd.Kind] {
		return false
	}
	return fd.Severity >= f.minSev
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  filter
}

func (c *Client) setSubscription(sub Subscription) {
	f := compile(sub)
	c.mu.Lock()
	c.sub = f
	c.mu.Unlock()
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// SnapshotFunc returns the state sent to a client when it connects.
type SnapshotFunc func(ctx context.Context) any

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins permits browser connections from the given origins in
// addition to the serving host.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Hub) { h.origins = append(h.origins, origins...) }
}

// WithSnapshot sets the connect-time snapshot.
func WithSnapshot(fn SnapshotFunc) Option {
	return func(h *Hub) { h.snapshot = fn }
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	origins    []string
	snapshot   SnapshotFunc
	upgrader   websocket.Upgrader
	running    atomic.Bool

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	host := r.Host
	if origin == "http://"+host || origin == "https://"+host {
		return true
	}
	return slices.Contains(h.origins, origin) || slices.Contains(h.origins, "*")
}

// Running reports whether the hub loop is active.
func (h *Hub) Running() bool {
	return h.running.Load()
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	h.running.Store(true)
	defer close(h.done)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			h.fanOut(event)
		}
	}
}

func (h *Hub) fanOut(event *Event) {
	full := h.serialize(event)

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		msg, ok := h.messageFor(client, event, full)
		if !ok {
			continue
		}
		select {
		case client.send <- msg:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Remove slow clients under write lock
	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		n := len(h.clients)
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Warn("dropped slow websocket clients", "count", len(slow))
	}
}

// messageFor applies the client's subscription. Finding batches are narrowed
// to the findings the client asked for; other events pass or fail whole.
func (h *Hub) messageFor(client *Client, event *Event, full []byte) ([]byte, bool) {
	client.mu.RLock()
	f := client.sub
	client.mu.RUnlock()

	if f.all {
		return full, true
	}
	if len(f.types) > 0 && !slices.Contains(f.types, event.Type) {
		return nil, false
	}
	if event.Type != EventFindings || !f.narrowsFindings() {
		return full, true
	}

	batch, ok := event.Data.(findings.Batch)
	if !ok {
		return full, true
	}
	kept := make([]findings.Finding, 0, len(batch.Findings))
	for _, fd := range batch.Findings {
		if f.matches(fd) {
			kept = append(kept, fd)
		}
	}
	if len(kept) == 0 {
		return nil, false
	}
	if len(kept) == len(batch.Findings) {
		return full, true
	}
	batch.Findings = kept
	return h.serialize(&Event{Type: event.Type, Timestamp: event.Timestamp, Data: batch}), true
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast queues an event for all matching clients without blocking.
func (h *Hub) Broadcast(event *Event) error {
	select {
	case h.broadcast <- event:
		return nil
	default:
		h.dropped.Add(1)
		metrics.BroadcastsDropped.Inc()
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
		return ErrQueueFull
	}
}

// Name identifies the hub as a finding publisher.
func (h *Hub) Name() string { return "websocket" }

// PublishFindings broadcasts a routed batch.
func (h *Hub) PublishFindings(_ context.Context, batch findings.Batch) error {
	return h.Broadcast(&Event{Type: EventFindings, Timestamp: time.Now(), Data: batch})
}

// PublishBreakerEvent broadcasts a breaker state change. It matches the
// breaker's subscriber signature.
func (h *Hub) PublishBreakerEvent(ev circuitbreaker.Event) {
	_ = h.Broadcast(&Event{Type: EventBreakerState, Timestamp: ev.Timestamp, Data: ev})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"droppedEvents":    h.dropped.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  filter{all: true}, // Default: all events
	}
	if h.snapshot != nil {
		client.send <- h.serialize(&Event{
			Type:      EventSnapshot,
			Timestamp: time.Now(),
			Data:      h.snapshot(r.Context()),
		})
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and pongs.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.setSubscription(sub)
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
