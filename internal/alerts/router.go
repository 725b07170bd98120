package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/traces"
)

const (
	defaultStoreTimeout   = 3 * time.Second
	defaultPublishTimeout = 5 * time.Second
	publishQueueSize      = 1024
)

// Mitigator evaluates a persisted finding for escalation.
type Mitigator interface {
	Mitigate(ctx context.Context, f findings.Finding) error
}

// Publisher receives persisted finding batches. Delivery is best-effort.
type Publisher interface {
	Name() string
	PublishFindings(ctx context.Context, b findings.Batch) error
}

// RouteResult summarizes one Route call.
type RouteResult struct {
	Persisted        int      `json:"persisted"`
	Failed           int      `json:"failed"`
	MitigationErrors int      `json:"mitigationErrors"`
	AlertIDs         []string `json:"alertIds,omitempty"`
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClock sets the clock used to stamp alerts.
func WithClock(c clockwork.Clock) RouterOption {
	return func(r *Router) { r.clock = c }
}

// WithStoreTimeout bounds each persistence call.
func WithStoreTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

// WithPublishers adds fan-out subscribers.
func WithPublishers(p ...Publisher) RouterOption {
	return func(r *Router) { r.publishers = append(r.publishers, p...) }
}

// WithQueueSize overrides the publish queue capacity.
func WithQueueSize(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.queue = make(chan findings.Batch, n)
		}
	}
}

// Router persists each finding, hands it to the mitigator, and queues the
// persisted batch for asynchronous fan-out. Publishing never blocks routing.
type Router struct {
	store        Store
	mitigator    Mitigator
	publishers   []Publisher
	clock        clockwork.Clock
	storeTimeout time.Duration
	logger       *slog.Logger

	queue   chan findings.Batch
	dropped atomic.Int64
	running atomic.Bool
}

// NewRouter creates a router. mitigator may be nil.
func NewRouter(store Store, mitigator Mitigator, logger *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		store:        store,
		mitigator:    mitigator,
		clock:        clockwork.NewRealClock(),
		storeTimeout: defaultStoreTimeout,
		logger:       logger,
		queue:        make(chan findings.Batch, publishQueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route processes one batch. Findings whose persistence fails are skipped
// and never reach the mitigator.
func (r *Router) Route(ctx context.Context, batch findings.Batch) RouteResult {
	ctx, span := traces.StartSpan(ctx, "alerts.Route", traces.TxRef(batch.TxRef))
	defer span.End()

	var res RouteResult
	persisted := make([]findings.Finding, 0, len(batch.Findings))

	for _, f := range batch.Findings {
		a := r.newAlert(f, batch)

		pctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		err := r.store.Append(pctx, a)
		cancel()
		if err != nil {
			res.Failed++
			persistFailures.Inc()
			r.logger.Error("failed to persist alert, skipping mitigation",
				"alertId", a.AlertID, "tx", batch.TxRef, "error", fmt.Errorf("%w: %v", ErrPersistence, err))
			continue
		}

		res.Persisted++
		res.AlertIDs = append(res.AlertIDs, a.AlertID)
		alertsPersisted.WithLabelValues(f.Kind.String()).Inc()
		persisted = append(persisted, f)

		if r.mitigator == nil {
			continue
		}
		if err := r.mitigator.Mitigate(ctx, f); err != nil {
			res.MitigationErrors++
			r.logger.Warn("mitigation failed", "alertId", a.AlertID, "tx", batch.TxRef, "error", err)
		}
	}

	if len(persisted) > 0 {
		out := batch
		out.Findings = persisted
		r.enqueue(out)
	}
	return res
}

func (r *Router) newAlert(f findings.Finding, batch findings.Batch) *Alert {
	now := r.clock.Now()
	txRef := f.TxRef
	if txRef == "" {
		txRef = batch.TxRef
	}
	return &Alert{
		ID:          uuid.NewString(),
		AlertID:     findings.AlertID(f),
		Kind:        f.Kind,
		Severity:    f.Severity,
		Name:        f.Name,
		Description: f.Description,
		Subject:     f.Subject,
		Evidence:    f.Evidence,
		TxRef:       txRef,
		Block:       batch.Block,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (r *Router) enqueue(b findings.Batch) {
	select {
	case r.queue <- b:
	default:
		r.dropped.Add(1)
		publishDropped.Inc()
		r.logger.Warn("publish queue full, dropping batch", "tx", b.TxRef, "findings", len(b.Findings))
	}
}

// Dropped returns the number of batches dropped because the queue was full.
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}

// Running reports whether the publisher loop is active.
func (r *Router) Running() bool {
	return r.running.Load()
}

// RunPublisher drains the publish queue until ctx is done. Call in a goroutine.
func (r *Router) RunPublisher(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-r.queue:
			for _, p := range r.publishers {
				r.safePublish(ctx, p, b)
			}
		}
	}
}

func (r *Router) safePublish(ctx context.Context, p Publisher, b findings.Batch) {
	defer func() {
		if rec := recover(); rec != nil {
			publishErrors.WithLabelValues(p.Name()).Inc()
			r.logger.Error("panic in publisher", "publisher", p.Name(), "panic", fmt.Sprint(rec))
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	if err := p.PublishFindings(pctx, b); err != nil {
		publishErrors.WithLabelValues(p.Name()).Inc()
		r.logger.Warn("publish failed", "publisher", p.Name(), "tx", b.TxRef, "error", err)
	}
}
