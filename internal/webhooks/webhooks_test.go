package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/logging"
)

type delivery struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu     sync.Mutex
	got    []delivery
	status int
	calls  atomic.Int32
}

func newReceiver(t *testing.T, status int) (*receiver, *httptest.Server) {
	t.Helper()
	r := &receiver{status: status}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.calls.Add(1)
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.got = append(r.got, delivery{header: req.Header.Clone(), body: body})
		r.mu.Unlock()
		w.WriteHeader(r.status)
	}))
	t.Cleanup(ts.Close)
	return r, ts
}

func (r *receiver) last(t *testing.T) delivery {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.got)
	return r.got[len(r.got)-1]
}

func newTestNotifier(urls []string, secret string) *Notifier {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewNotifier(urls, secret, logging.Discard(),
		WithClock(clock),
		WithRetry(2, time.Millisecond),
	)
}

func TestPublishFindings_SignedDelivery(t *testing.T) {
	r, ts := newReceiver(t, http.StatusOK)
	n := newTestNotifier([]string{ts.URL}, "whsec")

	err := n.PublishFindings(context.Background(), findings.Batch{
		TxRef: "0xabc",
		Block: 42,
		Findings: []findings.Finding{
			{Kind: findings.KindRapidTrading, Subject: "0xtrader", Severity: findings.SeverityHigh},
		},
	})
	require.NoError(t, err)

	d := r.last(t)
	assert.Equal(t, string(EventFindings), d.header.Get(HeaderEvent))
	assert.Equal(t, "1772366400", d.header.Get(HeaderTimestamp))
	assert.True(t, Verify(d.body, "whsec", d.header.Get(HeaderSignature)))

	var ev Event
	require.NoError(t, json.Unmarshal(d.body, &ev))
	assert.Equal(t, EventFindings, ev.Type)
	assert.Contains(t, ev.ID, "evt_")
	assert.Equal(t, "0xabc", ev.TxRef)
	assert.Equal(t, uint64(42), ev.Block)
	assert.Equal(t, []string{"ENERGY-RAPID-TRADING"}, ev.AlertIDs)
	require.Len(t, ev.Findings, 1)
	assert.Equal(t, "0xtrader", ev.Findings[0].Subject)

	ok, _ := n.Healthy()
	assert.True(t, ok)
	require.NotNil(t, n.Endpoints()[0].LastSuccess)
}

func TestPublishFindings_EmptyBatch(t *testing.T) {
	r, ts := newReceiver(t, http.StatusOK)
	n := newTestNotifier([]string{ts.URL}, "")

	require.NoError(t, n.PublishFindings(context.Background(), findings.Batch{}))
	assert.Zero(t, r.calls.Load())
}

func TestUnsignedWithoutSecret(t *testing.T) {
	r, ts := newReceiver(t, http.StatusNoContent)
	n := newTestNotifier([]string{ts.URL}, "")

	require.NoError(t, n.Dispatch(context.Background(), &Event{Type: EventFindings}))
	assert.Empty(t, r.last(t).header.Get(HeaderSignature))
}

func TestServerErrorIsRetried(t *testing.T) {
	r, ts := newReceiver(t, http.StatusServiceUnavailable)
	n := newTestNotifier([]string{ts.URL}, "")

	err := n.Dispatch(context.Background(), &Event{Type: EventFindings})
	require.Error(t, err)
	assert.Equal(t, int32(2), r.calls.Load())

	ok, msg := n.Healthy()
	assert.False(t, ok)
	assert.Contains(t, msg, "status 503")
}

func TestClientErrorIsNotRetried(t *testing.T) {
	r, ts := newReceiver(t, http.StatusBadRequest)
	n := newTestNotifier([]string{ts.URL}, "")

	err := n.Dispatch(context.Background(), &Event{Type: EventFindings})
	require.Error(t, err)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestFailingEndpointDoesNotBlockOthers(t *testing.T) {
	_, bad := newReceiver(t, http.StatusGone)
	good, ok := newReceiver(t, http.StatusOK)
	n := newTestNotifier([]string{bad.URL, ok.URL}, "")

	err := n.Dispatch(context.Background(), &Event{Type: EventFindings})
	require.Error(t, err)
	assert.Equal(t, int32(1), good.calls.Load())

	eps := n.Endpoints()
	require.Len(t, eps, 2)
	assert.NotEmpty(t, eps[0].LastError)
	assert.Empty(t, eps[1].LastError)
}

func TestPublishBreakerEvent(t *testing.T) {
	r, ts := newReceiver(t, http.StatusOK)
	n := newTestNotifier([]string{ts.URL}, "whsec")

	n.PublishBreakerEvent(circuitbreaker.Event{
		ID:            "cb-1",
		PreviousState: circuitbreaker.StateNormal,
		NewState:      circuitbreaker.StatePaused,
		Reason:        "rapid trading",
		TriggeredBy:   circuitbreaker.TriggeredBySystem,
		TxRef:         "0xfeed",
	})

	d := r.last(t)
	assert.Equal(t, string(EventBreakerChange), d.header.Get(HeaderEvent))
	var ev Event
	require.NoError(t, json.Unmarshal(d.body, &ev))
	require.NotNil(t, ev.BreakerEvent)
	assert.Equal(t, circuitbreaker.StatePaused, ev.BreakerEvent.NewState)
	assert.Equal(t, "0xfeed", ev.TxRef)
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := Sign(payload, "k")
	assert.True(t, Verify(payload, "k", sig))
	assert.False(t, Verify(payload, "other", sig))
	assert.False(t, Verify([]byte(`{}`), "k", sig))
	assert.False(t, Verify(payload, "k", "not-hex"))
}

func TestName(t *testing.T) {
	assert.Equal(t, "webhooks", NewNotifier(nil, "", logging.Discard()).Name())
}
