package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer runs alert housekeeping: mitigated alerts that stayed quiet long
// enough are resolved, and resolved alerts past retention are deleted.
type Timer struct {
	store        Store
	interval     time.Duration
	resolveAfter time.Duration
	retention    time.Duration
	clock        clockwork.Clock
	logger       *slog.Logger
	stop         chan struct{}
	running      atomic.Bool
}

// NewTimer creates a housekeeping timer.
func NewTimer(store Store, interval, resolveAfter, retention time.Duration, clock clockwork.Clock, logger *slog.Logger) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Timer{
		store:        store,
		interval:     interval,
		resolveAfter: resolveAfter,
		retention:    retention,
		clock:        clock,
		logger:       logger,
		stop:         make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the housekeeping loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.Chan():
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in alert housekeeping", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one housekeeping pass.
func (t *Timer) Sweep(ctx context.Context) {
	now := t.clock.Now()

	if t.resolveAfter > 0 {
		n, err := t.store.ResolveMitigatedBefore(ctx, now.Add(-t.resolveAfter))
		if err != nil {
			t.logger.Warn("failed to auto-resolve mitigated alerts", "error", err)
		} else if n > 0 {
			housekeepingResolved.Add(float64(n))
			t.logger.Info("auto-resolved mitigated alerts", "count", n)
		}
	}

	if t.retention > 0 {
		n, err := t.store.DeleteResolvedBefore(ctx, now.Add(-t.retention))
		if err != nil {
			t.logger.Warn("failed to delete old resolved alerts", "error", err)
		} else if n > 0 {
			housekeepingDeleted.Add(float64(n))
			t.logger.Info("deleted old resolved alerts", "count", n)
		}
	}
}
