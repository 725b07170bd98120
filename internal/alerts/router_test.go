package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/logging"
)

type recordingMitigator struct {
	mu   sync.Mutex
	seen []findings.Finding
	err  error
}

func (m *recordingMitigator) Mitigate(_ context.Context, f findings.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, f)
	return m.err
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches []findings.Batch
	block   chan struct{}
	panics  bool
}

func (p *recordingPublisher) Name() string { return "recorder" }

func (p *recordingPublisher) PublishFindings(ctx context.Context, b findings.Batch) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.panics {
		panic("publisher exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, b)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

// flakyStore fails Append for the listed alert ids.
type flakyStore struct {
	*MemoryStore
	failFor map[string]bool
}

func (s *flakyStore) Append(ctx context.Context, a *Alert) error {
	if s.failFor[a.AlertID] {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Append(ctx, a)
}

func batchOf(fs ...findings.Finding) findings.Batch {
	return findings.Batch{Findings: fs, TxRef: "0xtx", Block: 42, LedgerTime: t0}
}

func TestRouter_PersistsThenMitigates(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	store := NewMemoryStore(clock)
	mit := &recordingMitigator{}
	r := NewRouter(store, mit, logging.Discard(), WithClock(clock))

	res := r.Route(context.Background(), batchOf(
		findings.Finding{Kind: findings.KindSuspiciousVolume, Severity: findings.SeverityMedium, Subject: "0xa"},
		findings.Finding{Kind: findings.KindRapidTrading, Severity: findings.SeverityHigh, Subject: "0xa"},
	))

	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []string{"ENERGY-SUSPICIOUS-VOLUME", "ENERGY-RAPID-TRADING"}, res.AlertIDs)
	assert.Len(t, mit.seen, 2)

	list, err := store.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, a := range list {
		assert.Equal(t, StatusActive, a.Status)
		assert.Equal(t, "0xtx", a.TxRef)
		assert.Equal(t, uint64(42), a.Block)
		assert.Equal(t, t0, a.CreatedAt)
	}
}

func TestRouter_PersistenceFailureSkipsMitigation(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(nil), failFor: map[string]bool{"ENERGY-FRONT-RUNNING": true}}
	mit := &recordingMitigator{}
	r := NewRouter(store, mit, logging.Discard())

	res := r.Route(context.Background(), batchOf(
		findings.Finding{Kind: findings.KindFrontRunning, Severity: findings.SeverityHigh},
		findings.Finding{Kind: findings.KindUnusualPrice, Severity: findings.SeverityMedium},
	))

	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, mit.seen, 1)
	assert.Equal(t, findings.KindUnusualPrice, mit.seen[0].Kind)

	// Only the persisted finding is queued for subscribers.
	b := <-r.queue
	require.Len(t, b.Findings, 1)
	assert.Equal(t, findings.KindUnusualPrice, b.Findings[0].Kind)
}

func TestRouter_MitigationErrorIsCounted(t *testing.T) {
	mit := &recordingMitigator{err: errors.New("breaker unavailable")}
	r := NewRouter(NewMemoryStore(nil), mit, logging.Discard())

	res := r.Route(context.Background(), batchOf(findings.Finding{Kind: findings.KindFrontRunning}))
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, res.MitigationErrors)
}

func TestRouter_FullQueueDropsWithoutBlocking(t *testing.T) {
	r := NewRouter(NewMemoryStore(nil), nil, logging.Discard(), WithQueueSize(1))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		for range 3 {
			r.Route(ctx, batchOf(findings.Finding{Kind: findings.KindUnusualPrice}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Route blocked on a full publish queue")
	}
	assert.Equal(t, int64(2), r.Dropped())
}

func TestRouter_RunPublisherFansOut(t *testing.T) {
	good := &recordingPublisher{}
	bad := &recordingPublisher{panics: true}
	r := NewRouter(NewMemoryStore(nil), nil, logging.Discard(), WithPublishers(bad, good))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunPublisher(ctx)

	r.Route(ctx, batchOf(findings.Finding{Kind: findings.KindLargeMinting}))
	r.Route(ctx, batchOf(findings.Finding{Kind: findings.KindLargeMinting}))

	assert.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Running())
}

func TestRouter_SlowPublisherDoesNotDelayRouting(t *testing.T) {
	slow := &recordingPublisher{block: make(chan struct{})}
	mit := &recordingMitigator{}
	r := NewRouter(NewMemoryStore(nil), mit, logging.Discard(), WithPublishers(slow))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunPublisher(ctx)

	start := time.Now()
	for range 5 {
		r.Route(ctx, batchOf(findings.Finding{Kind: findings.KindRapidTrading}))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, mit.seen, 5)
	close(slow.block)
	assert.Eventually(t, func() bool { return slow.count() == 5 }, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_EmptyBatchQueuesNothing(t *testing.T) {
	r := NewRouter(NewMemoryStore(nil), nil, logging.Discard())
	res := r.Route(context.Background(), findings.Batch{})
	assert.Zero(t, res.Persisted)
	assert.Len(t, r.queue, 0)
}
