package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/logging"
)

const trader = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"

func testHub(opts ...Option) *Hub {
	return NewHub(logging.Discard(), opts...)
}

func testBatch() findings.Batch {
	return findings.Batch{
		TxRef: "0xabc",
		Block: 7,
		Findings: []findings.Finding{
			{Kind: findings.KindSuspiciousVolume, Subject: trader, Severity: findings.SeverityMedium},
			{Kind: findings.KindFrontRunning, Subject: "0xother", Severity: findings.SeverityHigh},
		},
	}
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	require.Eventually(t, h.Running, time.Second, time.Millisecond)
}

func registered(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, 16)}
	c.setSubscription(sub)
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev struct {
			Type EventType       `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg, &ev))
		out := Event{Type: ev.Type}
		if ev.Type == EventFindings {
			var b findings.Batch
			require.NoError(t, json.Unmarshal(ev.Data, &b))
			out.Data = b
		}
		return out
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return Event{}
	}
}

func TestMessageFor_EventTypeFilter(t *testing.T) {
	h := testHub()
	c := &Client{}
	c.setSubscription(Subscription{EventTypes: []EventType{EventBreakerState}})

	_, ok := h.messageFor(c, &Event{Type: EventFindings, Data: testBatch()}, []byte("x"))
	assert.False(t, ok)
	msg, ok := h.messageFor(c, &Event{Type: EventBreakerState}, []byte("x"))
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), msg)
}

func TestMessageFor_NarrowsFindings(t *testing.T) {
	h := testHub()
	ev := &Event{Type: EventFindings, Data: testBatch()}
	full := h.serialize(ev)

	tests := []struct {
		name string
		sub  Subscription
		want int // findings delivered; 0 = not delivered
	}{
		{"all events", Subscription{AllEvents: true}, 2},
		{"empty subscription", Subscription{}, 2},
		{"by subject", Subscription{Subjects: []string{strings.ToUpper(trader)}}, 1},
		{"by kind", Subscription{Kinds: []string{"ENERGY-FRONT-RUNNING"}}, 1},
		{"by severity", Subscription{MinSeverity: "high"}, 1},
		{"no match", Subscription{Subjects: []string{"0xnobody"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{}
			c.setSubscription(tt.sub)
			msg, ok := h.messageFor(c, ev, full)
			if tt.want == 0 {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			var out struct {
				Data findings.Batch `json:"data"`
			}
			require.NoError(t, json.Unmarshal(msg, &out))
			assert.Len(t, out.Data.Findings, tt.want)
			assert.Equal(t, "0xabc", out.Data.TxRef)
		})
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	runHub(t, h)

	c := registered(t, h, Subscription{AllEvents: true})
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, time.Millisecond)

	h.unregister <- c
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"].(int64))
}

func TestHub_PublishFindingsAndBreaker(t *testing.T) {
	h := testHub()
	runHub(t, h)

	all := registered(t, h, Subscription{AllEvents: true})
	mine := registered(t, h, Subscription{Subjects: []string{trader}})

	require.NoError(t, h.PublishFindings(context.Background(), testBatch()))
	assert.Len(t, receive(t, all).Data.(findings.Batch).Findings, 2)
	assert.Len(t, receive(t, mine).Data.(findings.Batch).Findings, 1)

	h.PublishBreakerEvent(circuitbreaker.Event{NewState: circuitbreaker.StatePaused, Timestamp: time.Now()})
	assert.Equal(t, EventBreakerState, receive(t, all).Type)
	assert.Equal(t, EventBreakerState, receive(t, mine).Type, "breaker events are not narrowed by subject")
	assert.Equal(t, "websocket", h.Name())
}

func TestHub_BroadcastDropsWhenFull(t *testing.T) {
	h := testHub() // not running, so nothing drains
	for range cap(h.broadcast) {
		require.NoError(t, h.Broadcast(&Event{Type: EventFindings}))
	}
	assert.ErrorIs(t, h.Broadcast(&Event{Type: EventFindings}), ErrQueueFull)
	assert.Equal(t, int64(1), h.Stats()["droppedEvents"].(int64))
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	h := testHub()
	runHub(t, h)

	slow := &Client{hub: h, send: make(chan []byte)} // unbuffered, never read
	slow.setSubscription(Subscription{AllEvents: true})
	h.register <- slow

	require.NoError(t, h.Broadcast(&Event{Type: EventBreakerState}))
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	require.Eventually(t, h.Running, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop after context cancellation")
	}
	assert.False(t, h.Running())
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub(WithSnapshot(func(context.Context) any {
		return map[string]any{"state": "normal"}
	}))
	runHub(t, h)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap Event
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, EventSnapshot, snap.Type)

	require.NoError(t, conn.WriteJSON(Subscription{Kinds: []string{"front_running"}}))
	// The subscription is applied asynchronously by the read pump.
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for c := range h.clients {
			c.mu.RLock()
			narrowed := c.sub.kinds != nil
			c.mu.RUnlock()
			if narrowed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.PublishFindings(context.Background(), testBatch()))

	var got struct {
		Type EventType      `json:"type"`
		Data findings.Batch `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventFindings, got.Type)
	require.Len(t, got.Data.Findings, 1)
	assert.Equal(t, findings.KindFrontRunning, got.Data.Findings[0].Kind)
}

func TestCheckOrigin(t *testing.T) {
	h := testHub(WithAllowedOrigins("https://ops.example.com"))

	req := httptest.NewRequest("GET", "http://guard.local/ws", nil)
	assert.True(t, h.checkOrigin(req), "non-browser client")

	req.Header.Set("Origin", "http://guard.local")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://ops.example.com")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(req))
}
