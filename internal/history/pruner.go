package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Pruner periodically drops expired observations from a Store.
type Pruner struct {
	store    *Store
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewPruner creates a pruner that runs every interval.
func NewPruner(store *Store, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Pruner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Pruner{
		store:    store,
		interval: interval,
		clock:    clock,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the prune loop is active.
func (p *Pruner) Running() bool {
	return p.running.Load()
}

// Start runs the prune loop until ctx is done or Stop is called. Call in a goroutine.
func (p *Pruner) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.Chan():
			p.safePrune()
		}
	}
}

// Stop signals the loop to exit.
func (p *Pruner) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Pruner) safePrune() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in history pruner", "panic", fmt.Sprint(r))
		}
	}()
	removed := p.store.Prune(p.clock.Now())
	traders := p.store.Traders()
	tradersTracked.Set(float64(traders))
	if removed > 0 {
		p.logger.Debug("pruned trade history", "removed", removed, "traders", traders)
	}
}
