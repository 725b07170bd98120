// Package mitigation resolves recurring alerts to escalation actions.
package mitigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mbd888/tradeguard/internal/alerts"
	"github.com/mbd888/tradeguard/internal/circuitbreaker"
	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/traces"
)

var (
	ErrCountUnavailable = errors.New("mitigation: alert count unavailable")
	ErrActionFailed     = errors.New("mitigation: action failed")
	ErrNoBreaker        = errors.New("mitigation: no circuit breaker configured")
)

const defaultStoreTimeout = 3 * time.Second

// AlertStore is the slice of the alert store the engine needs.
type AlertStore interface {
	Count(ctx context.Context, alertID string, since time.Time) (int, error)
	UpdateStatus(ctx context.Context, alertID string, to alerts.Status) (int, error)
}

// Breaker is the slice of the circuit breaker the engine drives.
type Breaker interface {
	State() circuitbreaker.State
	Transition(ctx context.Context, req circuitbreaker.Request) (*circuitbreaker.Event, error)
}

// Outcome describes an executed escalation.
type Outcome struct {
	AlertID   string                `json:"alertId"`
	Kind      findings.Kind         `json:"kind"`
	Action    Action                `json:"action"`
	Count     int                   `json:"count"`
	Threshold int                   `json:"threshold"`
	Subject   string                `json:"subject,omitempty"`
	Skipped   bool                  `json:"skipped,omitempty"`
	Marked    int                   `json:"marked"`
	Event     *circuitbreaker.Event `json:"event,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used to compute the trailing window.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithStoreTimeout bounds count and status queries.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// Engine evaluates findings against the strategy table.
type Engine struct {
	table        Table
	store        AlertStore
	breaker      Breaker
	clock        clockwork.Clock
	storeTimeout time.Duration
	logger       *slog.Logger
}

// NewEngine creates an engine. breaker may be nil when no strategy uses it.
func NewEngine(table Table, store AlertStore, breaker Breaker, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		table:        table,
		store:        store,
		breaker:      breaker,
		clock:        clockwork.NewRealClock(),
		storeTimeout: defaultStoreTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Strategies returns a copy of the strategy table.
func (e *Engine) Strategies() Table {
	out := make(Table, len(e.table))
	for k, v := range e.table {
		out[k] = v
	}
	return out
}

// Mitigate evaluates f and discards the outcome.
func (e *Engine) Mitigate(ctx context.Context, f findings.Finding) error {
	_, err := e.Evaluate(ctx, f)
	return err
}

// Evaluate decides whether f escalates. It returns a nil outcome when the
// kind has no strategy or the occurrence count is below threshold. A failed
// count never escalates.
func (e *Engine) Evaluate(ctx context.Context, f findings.Finding) (*Outcome, error) {
	alertID := findings.AlertID(f)
	ctx, span := traces.StartSpan(ctx, "mitigation.Evaluate", traces.AlertID(alertID), traces.Kind(f.Kind.String()))
	defer span.End()

	strat, ok := e.table[f.Kind]
	if !ok {
		e.logger.Debug("no mitigation strategy, monitoring only", "alertId", alertID)
		return nil, nil
	}

	since := e.clock.Now().Add(-strat.Window)
	cctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	count, err := e.store.Count(cctx, alertID, since)
	cancel()
	if err != nil {
		countFailures.Inc()
		e.logger.Error("alert count failed, not escalating", "alertId", alertID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCountUnavailable, err)
	}
	if count < strat.Threshold {
		return nil, nil
	}

	out := &Outcome{
		AlertID:   alertID,
		Kind:      f.Kind,
		Action:    strat.Action,
		Count:     count,
		Threshold: strat.Threshold,
		Subject:   f.Subject,
	}
	if err := e.execute(ctx, f, strat, out); err != nil {
		actionsTotal.WithLabelValues(strat.Action.String(), "failed").Inc()
		e.logger.Error("mitigation action failed, alert stays active",
			"alertId", alertID, "action", strat.Action.String(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrActionFailed, err)
	}
	result := "executed"
	if out.Skipped {
		result = "skipped"
	}
	actionsTotal.WithLabelValues(strat.Action.String(), result).Inc()

	uctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	n, err := e.store.UpdateStatus(uctx, alertID, alerts.StatusMitigated)
	cancel()
	if err != nil {
		e.logger.Error("failed to mark alert mitigated", "alertId", alertID, "error", err)
		return out, fmt.Errorf("mark %s mitigated: %w", alertID, err)
	}
	out.Marked = n
	return out, nil
}

func (e *Engine) execute(ctx context.Context, f findings.Finding, strat Strategy, out *Outcome) error {
	switch strat.Action {
	case ActionMonitor:
		e.logger.Info("monitoring recurring alert",
			"alertId", out.AlertID, "count", out.Count, "threshold", out.Threshold, "subject", f.Subject)
		return nil

	case ActionPauseUser:
		// The ledger has no per-user pause primitive; the intent is logged for
		// operators and surfaced in metrics.
		pauseUserRequests.Inc()
		e.logger.Warn("user pause requested",
			"alertId", out.AlertID, "user", f.Subject, "count", out.Count, "threshold", out.Threshold)
		return nil

	case ActionTriggerCircuitBreaker:
		if e.breaker == nil {
			return ErrNoBreaker
		}
		// Automatic escalation only ever pauses and never downgrades an
		// operator's emergency.
		if st := e.breaker.State(); st != circuitbreaker.StateNormal {
			out.Skipped = true
			e.logger.Info("breaker already engaged, skipping automatic pause",
				"alertId", out.AlertID, "state", st.String())
			return nil
		}
		// OnlyFrom repeats the check under the transition lock.
		ev, err := e.breaker.Transition(ctx, circuitbreaker.Request{
			Target:      circuitbreaker.StatePaused,
			Reason:      reasonFor(f, out, strat.Window),
			TriggeredBy: circuitbreaker.TriggeredBySystem,
			OnlyFrom:    []circuitbreaker.State{circuitbreaker.StateNormal},
		})
		if errors.Is(err, circuitbreaker.ErrStateMismatch) {
			out.Skipped = true
			e.logger.Info("breaker engaged while pausing, skipping automatic pause",
				"alertId", out.AlertID, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		out.Event = ev
		return nil
	}
	return fmt.Errorf("%w: action %d", ErrInvalidStrategy, strat.Action)
}

func reasonFor(f findings.Finding, out *Outcome, window time.Duration) string {
	detail := f.Description
	if detail == "" {
		detail = f.Name
	}
	if detail == "" {
		detail = f.Kind.String()
	}
	return fmt.Sprintf("mitigation for %s: %s (%d occurrences in %s)", out.AlertID, detail, out.Count, window)
}
