// Package ingest fans ledger events out to ordered processing lanes.
//
// Events are hashed by their key (buyer, producer, user or contract) so one
// trader's events are handled strictly in order while different traders are
// processed concurrently.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/syncutil"
)

var (
	ErrClosed     = errors.New("ingest: dispatcher closed")
	ErrNotStarted = errors.New("ingest: dispatcher not started")
)

const (
	defaultLanes     = 16
	defaultQueueSize = 1024
)

// Handler processes one event. Handlers for the same key never run
// concurrently.
type Handler interface {
	Handle(ctx context.Context, ev events.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev events.Event)

func (f HandlerFunc) Handle(ctx context.Context, ev events.Event) { f(ctx, ev) }

// Dispatcher owns the lanes.
type Dispatcher struct {
	handler Handler
	lanes   []chan events.Event
	logger  *slog.Logger

	mu      sync.RWMutex // guards closed against in-flight Submit
	closed  bool
	started atomic.Bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with n lanes of queueSize events each.
func NewDispatcher(h Handler, n, queueSize int, logger *slog.Logger) *Dispatcher {
	if n <= 0 {
		n = defaultLanes
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		handler: h,
		lanes:   make([]chan events.Event, n),
		logger:  logger,
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan events.Event, queueSize)
	}
	return d
}

// Lanes returns the number of lanes.
func (d *Dispatcher) Lanes() int { return len(d.lanes) }

// Start launches one goroutine per lane. Lanes drain until Close; once ctx
// is done the handler sees a cancelled context.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	for i, ch := range d.lanes {
		d.wg.Add(1)
		go d.run(ctx, i, ch)
	}
	d.logger.Info("ingest lanes started", "lanes", len(d.lanes))
}

// Running reports whether the lanes are accepting events.
func (d *Dispatcher) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started.Load() && !d.closed
}

// Submit enqueues ev on its lane, waiting for space until ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, ev events.Event) error {
	if !d.started.Load() {
		return ErrNotStarted
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	lane := syncutil.ShardIndex(ev.Key(), len(d.lanes))
	select {
	case d.lanes[lane] <- ev:
		queueDepth.Inc()
		return nil
	case <-ctx.Done():
		submitTimeouts.Inc()
		return fmt.Errorf("lane %d full: %w", lane, ctx.Err())
	}
}

// Depth returns the number of queued events across all lanes.
func (d *Dispatcher) Depth() int {
	n := 0
	for _, ch := range d.lanes {
		n += len(ch)
	}
	return n
}

// Close stops accepting events and waits for queued events to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.lanes {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, lane int, ch <-chan events.Event) {
	defer d.wg.Done()
	for ev := range ch {
		queueDepth.Dec()
		d.safeHandle(ctx, lane, ev)
	}
}

func (d *Dispatcher) safeHandle(ctx context.Context, lane int, ev events.Event) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			handlerPanics.Inc()
			d.logger.Error("panic in ingest handler",
				"lane", lane, "tx", ev.EventMeta().TxRef, "panic", fmt.Sprint(r))
		}
		handleDuration.Observe(time.Since(start).Seconds())
	}()
	d.handler.Handle(ctx, ev)
}
