package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// CounterReset clears the rapid-trading counters once per analysis window.
type CounterReset struct {
	detector *FrequencyDetector
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewCounterReset creates a reset timer for d.
func NewCounterReset(d *FrequencyDetector, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *CounterReset {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CounterReset{
		detector: d,
		interval: interval,
		clock:    clock,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the reset loop is active.
func (r *CounterReset) Running() bool {
	return r.running.Load()
}

// Start runs the reset loop. Call in a goroutine.
func (r *CounterReset) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.Chan():
			r.safeReset()
		}
	}
}

// Stop signals the loop to exit.
func (r *CounterReset) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *CounterReset) safeReset() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in counter reset", "panic", fmt.Sprint(rec))
		}
	}()
	r.detector.Reset()
	counterResets.Inc()
}
