// Package circuitbreaker implements the global trading-halt state machine
// (normal → paused → emergency) with ledger-backed transitions and an
// append-only audit trail.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/tradeguard/internal/syncutil"
	"github.com/mbd888/tradeguard/internal/traces"
)

var (
	ErrInvalidAction = errors.New("circuitbreaker: invalid action")
	ErrInvalidState  = errors.New("circuitbreaker: invalid state")
	ErrLedgerWrite   = errors.New("circuitbreaker: ledger write failed")
	ErrBusy          = errors.New("circuitbreaker: transition lock not acquired")
	ErrStateMismatch = errors.New("circuitbreaker: breaker not in a required state")
)

const (
	defaultLedgerTimeout = 60 * time.Second
	auditTimeout         = 3 * time.Second

	// DefaultSubscriberQueue is how many undelivered events one subscriber
	// may hold before new events are dropped for it.
	DefaultSubscriberQueue = 64
)

// State is the breaker state. Values match the contract's uint8 encoding.
type State uint8

const (
	StateNormal State = iota
	StatePaused
	StateEmergency
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StatePaused:
		return "paused"
	case StateEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the three defined states.
func (s State) Valid() bool { return s <= StateEmergency }

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState resolves a state from its name.
func ParseState(v string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "normal":
		return StateNormal, nil
	case "paused":
		return StatePaused, nil
	case "emergency":
		return StateEmergency, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidState, v)
}

// Action is an operator-facing transition verb.
type Action string

const (
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
	ActionEmergency Action = "emergency"
)

// ParseAction accepts only the fixed vocabulary pause, resume, emergency.
func ParseAction(v string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(v))); a {
	case ActionPause, ActionResume, ActionEmergency:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q (expected pause, resume or emergency)", ErrInvalidAction, v)
}

// Target returns the state an action moves the breaker to.
func (a Action) Target() State {
	switch a {
	case ActionPause:
		return StatePaused
	case ActionEmergency:
		return StateEmergency
	default:
		return StateNormal
	}
}

// Initiators recorded in the audit trail.
const (
	TriggeredBySystem = "system"
	TriggeredByLedger = "ledger"
)

// Operator formats an operator identity for the audit trail.
func Operator(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "operator"
	}
	return "operator:" + id
}

// Request asks the breaker to move to Target. A non-empty OnlyFrom makes
// the transition conditional: it is refused with ErrStateMismatch unless the
// committed state, read under the transition lock, is one of OnlyFrom.
type Request struct {
	Target      State
	Reason      string
	TriggeredBy string
	OnlyFrom    []State
}

// Event is one audit record. Events are never mutated or deleted.
type Event struct {
	ID            string    `json:"id"`
	PreviousState State     `json:"previousState"`
	NewState      State     `json:"newState"`
	Reason        string    `json:"reason"`
	TriggeredBy   string    `json:"triggeredBy"`
	TxRef         string    `json:"txRef,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Changed reports whether the event moved the breaker to a different state.
func (e *Event) Changed() bool { return e.PreviousState != e.NewState }

// Ledger writes the breaker state to the external ledger. It returns the
// transaction reference of the write, which may be empty.
type Ledger interface {
	RequestState(ctx context.Context, state State, reason string) (string, error)
}

// Status is a point-in-time snapshot of the breaker.
type Status struct {
	State       State     `json:"state"`
	StateValue  uint8     `json:"stateValue"`
	Since       time.Time `json:"since"`
	Transitions int64     `json:"transitions"`
	Changes     int64     `json:"stateChanges"`
	LastEvent   *Event    `json:"lastEvent,omitempty"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the clock used to timestamp events.
func WithClock(c clockwork.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithSubscriberQueue sets the per-subscriber event buffer.
func WithSubscriberQueue(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLedgerTimeout bounds each ledger write.
func WithLedgerTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.ledgerTimeout = d
		}
	}
}

// Breaker is the process-wide circuit breaker. Transitions are totally
// ordered; readers always see a committed state.
type Breaker struct {
	lock          *syncutil.ContextMutex
	ledger        Ledger
	audit         AuditStore
	clock         clockwork.Clock
	ledgerTimeout time.Duration
	logger        *slog.Logger

	mu          sync.RWMutex
	state       State
	since       time.Time
	transitions int64
	changes     int64
	last        *Event

	queueSize int
	subsMu    sync.RWMutex
	subs      []*subscriber
	closed    bool
	deliverWG sync.WaitGroup
}

// subscriber receives events in commit order from a single goroutine.
type subscriber struct {
	fn    func(Event)
	queue chan Event
}

// New creates a breaker in the Normal state.
func New(ledger Ledger, audit AuditStore, logger *slog.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		lock:          syncutil.NewContextMutex(),
		ledger:        ledger,
		audit:         audit,
		clock:         clockwork.NewRealClock(),
		ledgerTimeout: defaultLedgerTimeout,
		logger:        logger,
		state:         StateNormal,
		queueSize:     DefaultSubscriberQueue,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.since = b.clock.Now()
	stateGauge.Set(float64(StateNormal))
	return b
}

// Subscribe registers fn to be called after every state change. Each
// subscriber gets its own goroutine and sees events in the order they were
// committed; a subscriber that falls a full queue behind loses new events.
func (b *Breaker) Subscribe(fn func(Event)) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if b.closed {
		return
	}
	sub := &subscriber{fn: fn, queue: make(chan Event, b.queueSize)}
	b.subs = append(b.subs, sub)
	b.deliverWG.Add(1)
	go b.deliver(sub)
}

// Close stops accepting subscribers and waits for queued events to be
// delivered.
func (b *Breaker) Close() {
	b.subsMu.Lock()
	if b.closed {
		b.subsMu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
	b.subsMu.Unlock()
	b.deliverWG.Wait()
}

// State returns the committed state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Status{
		State:       b.state,
		StateValue:  uint8(b.state),
		Since:       b.since,
		Transitions: b.transitions,
		Changes:     b.changes,
	}
	if b.last != nil {
		ev := *b.last
		st.LastEvent = &ev
	}
	return st
}

// Transition writes the target state to the ledger and, only if that
// succeeds, commits it locally and appends an audit event. Requests for the
// current state are audited but do not notify subscribers.
func (b *Breaker) Transition(ctx context.Context, req Request) (*Event, error) {
	if !req.Target.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, req.Target)
	}
	ctx, span := traces.StartSpan(ctx, "circuitbreaker.Transition", traces.BreakerState(req.Target.String()))
	defer span.End()

	unlock, err := b.lock.LockContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}

	prev := b.State()
	if len(req.OnlyFrom) > 0 && !slices.Contains(req.OnlyFrom, prev) {
		unlock()
		return nil, fmt.Errorf("%w: is %s, want one of %v", ErrStateMismatch, prev, req.OnlyFrom)
	}

	lctx, cancel := context.WithTimeout(ctx, b.ledgerTimeout)
	txRef, err := b.ledger.RequestState(lctx, req.Target, req.Reason)
	cancel()
	if err != nil {
		unlock()
		ledgerWriteFailures.Inc()
		b.logger.Error("ledger write failed, breaker state unchanged",
			"from", prev.String(), "to", req.Target.String(), "triggeredBy", req.TriggeredBy, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	ev := b.commit(ctx, prev, req, txRef)
	if ev.Changed() {
		b.notify(*ev)
	}
	unlock()

	b.logger.Info("circuit breaker transition",
		"from", prev.String(), "to", ev.NewState.String(), "reason", ev.Reason,
		"triggeredBy", ev.TriggeredBy, "tx", txRef)
	return ev, nil
}

// Observe mirrors a state change that already happened on the ledger, such
// as a CircuitBreakerTriggered event or a startup sync. No ledger write is
// made. Signals matching the current state are ignored, so the echo of a
// local transition is not audited twice.
func (b *Breaker) Observe(ctx context.Context, target State, reason, txRef string) (*Event, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, target)
	}
	unlock, err := b.lock.LockContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}

	prev := b.State()
	if prev == target {
		unlock()
		return nil, nil
	}
	ev := b.commit(ctx, prev, Request{Target: target, Reason: reason, TriggeredBy: TriggeredByLedger}, txRef)
	b.notify(*ev)
	unlock()

	b.logger.Warn("circuit breaker state changed on ledger",
		"from", prev.String(), "to", target.String(), "reason", reason, "tx", txRef)
	return ev, nil
}

// commit applies an already-accepted transition. Caller must hold b.lock.
func (b *Breaker) commit(ctx context.Context, prev State, req Request, txRef string) *Event {
	now := b.clock.Now()
	ev := &Event{
		ID:            uuid.NewString(),
		PreviousState: prev,
		NewState:      req.Target,
		Reason:        req.Reason,
		TriggeredBy:   req.TriggeredBy,
		TxRef:         txRef,
		Timestamp:     now,
	}

	b.mu.Lock()
	b.state = req.Target
	b.transitions++
	if ev.Changed() {
		b.since = now
		b.changes++
	}
	b.last = ev
	b.mu.Unlock()

	transitionsTotal.WithLabelValues(prev.String(), req.Target.String(), initiatorLabel(req.TriggeredBy)).Inc()
	stateGauge.Set(float64(req.Target))

	// The ledger already holds the new state; a failed audit write must not
	// roll it back.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := b.audit.Append(actx, ev); err != nil {
		auditFailures.Inc()
		b.logger.Error("failed to append circuit breaker event", "id", ev.ID, "error", err)
	}
	return ev
}

// notify queues ev for every subscriber without blocking. Caller must hold
// b.lock so queue order matches commit order.
func (b *Breaker) notify(ev Event) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.queue <- ev:
		default:
			subscriberDrops.Inc()
			b.logger.Warn("breaker subscriber queue full, dropping event",
				"id", ev.ID, "to", ev.NewState.String())
		}
	}
}

func (b *Breaker) deliver(sub *subscriber) {
	defer b.deliverWG.Done()
	for ev := range sub.queue {
		b.call(sub.fn, ev)
	}
}

func (b *Breaker) call(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in breaker subscriber", "panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}

func initiatorLabel(triggeredBy string) string {
	switch {
	case triggeredBy == TriggeredBySystem, triggeredBy == TriggeredByLedger:
		return triggeredBy
	case strings.HasPrefix(triggeredBy, "operator"):
		return "operator"
	default:
		return "other"
	}
}

// LedgerStatus is the contract-side view of the breaker and token supply.
type LedgerStatus struct {
	State           State     `json:"contractState"`
	TotalSupply     string    `json:"totalSupply"`
	DailyVolume     string    `json:"dailyVolume"`
	LastVolumeReset time.Time `json:"lastVolumeReset"`
}

// LedgerReader reads the contract state.
type LedgerReader interface {
	LedgerStatus(ctx context.Context) (*LedgerStatus, error)
}

// Sync mirrors the on-ledger breaker state into b. Used once at startup.
func (b *Breaker) Sync(ctx context.Context, r LedgerReader) error {
	st, err := r.LedgerStatus(ctx)
	if err != nil {
		return fmt.Errorf("read contract state: %w", err)
	}
	if !st.State.Valid() {
		return fmt.Errorf("%w: contract reported %d", ErrInvalidState, st.State)
	}
	_, err = b.Observe(ctx, st.State, "startup sync", "")
	return err
}
