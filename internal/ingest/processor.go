package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbd888/tradeguard/internal/alerts"
	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/findings"
)

// Detector classifies events into findings.
type Detector interface {
	Process(ctx context.Context, ev events.Event) findings.Batch
}

// Router persists and escalates findings.
type Router interface {
	Route(ctx context.Context, batch findings.Batch) alerts.RouteResult
}

// Observer mirrors breaker changes that happened on the ledger.
type Observer interface {
	Observe(ctx context.Context, target circuitbreaker.State, reason, txRef string) (*circuitbreaker.Event, error)
}

// Processor is the per-event path: detect, mirror breaker signals, route.
type Processor struct {
	detector Detector
	router   Router
	observer Observer
	logger   *slog.Logger
}

// NewProcessor creates a processor. observer may be nil.
func NewProcessor(d Detector, r Router, o Observer, logger *slog.Logger) *Processor {
	return &Processor{detector: d, router: r, observer: o, logger: logger}
}

// Handle implements Handler.
func (p *Processor) Handle(ctx context.Context, ev events.Event) {
	eventsProcessed.WithLabelValues(events.Name(ev)).Inc()

	if sig, ok := ev.(events.BreakerSignal); ok && p.observer != nil {
		p.observe(ctx, sig)
	}

	batch := p.detector.Process(ctx, ev)
	if len(batch.Findings) == 0 {
		return
	}
	res := p.router.Route(ctx, batch)
	if res.Failed > 0 || res.MitigationErrors > 0 {
		p.logger.Warn("finding batch partially handled",
			"tx", batch.TxRef, "persisted", res.Persisted, "failed", res.Failed,
			"mitigationErrors", res.MitigationErrors)
	}
}

func (p *Processor) observe(ctx context.Context, sig events.BreakerSignal) {
	target := circuitbreaker.State(sig.NewState)
	if !target.Valid() {
		p.logger.Warn("ignoring unknown breaker state from ledger", "state", sig.NewState, "tx", sig.TxRef)
		return
	}
	if _, err := p.observer.Observe(ctx, target, sig.Reason, sig.TxRef); err != nil {
		level := slog.LevelError
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		p.logger.Log(ctx, level, "failed to mirror ledger breaker state", "tx", sig.TxRef, "error", err)
	}
}
