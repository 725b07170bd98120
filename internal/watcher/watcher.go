// Package watcher follows the energy trading contract's logs and hands the
// decoded events to the ingestion lanes.
//
// Logs are read only once they have the configured number of confirmations
// and are de-duplicated by transaction hash and log index, so a log is
// delivered at most once per process even when a poll is retried.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"

	"github.com/mbd888/tradeguard/internal/events"
)

// Client is the slice of the Ethereum client the watcher reads from.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Decoder converts contract logs into events.
type Decoder interface {
	Decode(l types.Log) (events.Event, error)
	Topics() []common.Hash
}

// Sink receives decoded events in ledger order.
type Sink interface {
	Submit(ctx context.Context, ev events.Event) error
}

// Config for the contract watcher
type Config struct {
	Contract      common.Address
	PollInterval  time.Duration
	StartBlock    uint64 // 0 = latest confirmed
	Confirmations uint64
	MaxBlockRange uint64 // Upper bound on blocks per FilterLogs call
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:  5 * time.Second,
		Confirmations: 1,
		MaxBlockRange: 2000,
	}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock sets the clock driving the poll loop.
func WithClock(c clockwork.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// Watcher polls the contract for new logs.
type Watcher struct {
	client  Client
	decoder Decoder
	sink    Sink
	config  Config
	clock   clockwork.Clock
	logger  *slog.Logger

	// Delivered logs, keyed by tx hash and log index, valued by block.
	processed map[string]uint64
	mu        sync.Mutex

	lastBlock   atomic.Uint64
	started     atomic.Bool
	running     atomic.Bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a contract watcher.
func New(client Client, decoder Decoder, sink Sink, cfg Config, logger *slog.Logger, opts ...Option) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = def.MaxBlockRange
	}
	w := &Watcher{
		client:    client,
		decoder:   decoder,
		sink:      sink,
		config:    cfg,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
		processed: make(map[string]uint64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Init picks the block the watcher resumes after. It is called by Start and
// is exposed for tests that drive Poll directly.
func (w *Watcher) Init(ctx context.Context) error {
	if w.config.StartBlock > 0 {
		w.lastBlock.Store(w.config.StartBlock - 1)
	} else {
		head, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock.Store(w.safeHead(head))
	}
	lastBlockGauge.Set(float64(w.lastBlock.Load()))
	return nil
}

// Start initializes the cursor and begins polling in the background.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Init(ctx); err != nil {
		return err
	}

	w.logger.Info("contract watcher started",
		"contract", w.config.Contract.Hex(),
		"fromBlock", w.lastBlock.Load()+1,
		"confirmations", w.config.Confirmations,
	)

	w.started.Store(true)
	w.running.Store(true)
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// LastBlock returns the highest block fully delivered to the sink.
func (w *Watcher) LastBlock() uint64 {
	return w.lastBlock.Load()
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.Chan():
			w.safePoll(ctx)
		}
	}
}

func (w *Watcher) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			pollErrors.Inc()
			w.logger.Error("panic in contract watcher", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		pollErrors.Inc()
		w.logger.Error("contract poll failed", "error", err)
	}
}

func (w *Watcher) safeHead(head uint64) uint64 {
	if head < w.config.Confirmations {
		return 0
	}
	return head - w.config.Confirmations
}

// Poll reads confirmed logs after the cursor in bounded ranges and submits
// them. When a submit fails the cursor stops before that log's block, so the
// next poll retries it; logs already delivered are skipped.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	safe := w.safeHead(head)
	headLag.Set(float64(head - min(head, w.lastBlock.Load())))

	prev := w.lastBlock.Load()
	if safe <= prev {
		return 0, nil
	}
	w.forget(prev)

	topics := w.decoder.Topics()
	submitted := 0
	for from := prev + 1; from <= safe; {
		to := min(from+w.config.MaxBlockRange-1, safe)

		logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{w.config.Contract},
			Topics:    [][]common.Hash{topics},
		})
		if err != nil {
			return submitted, fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
		}

		for _, l := range logs {
			if err := w.deliver(ctx, l); err != nil {
				if l.BlockNumber > 0 {
					w.advance(l.BlockNumber - 1)
				}
				return submitted, fmt.Errorf("submit log %s:%d: %w", l.TxHash.Hex(), l.Index, err)
			}
			submitted++
		}

		w.advance(to)
		from = to + 1
	}
	return submitted, nil
}

func (w *Watcher) advance(block uint64) {
	if block > w.lastBlock.Load() {
		w.lastBlock.Store(block)
		lastBlockGauge.Set(float64(block))
	}
}

// deliver decodes and submits one log. Undecodable logs are skipped and
// remembered so they are not retried.
func (w *Watcher) deliver(ctx context.Context, l types.Log) error {
	key := fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index)

	w.mu.Lock()
	_, seen := w.processed[key]
	w.mu.Unlock()
	if seen {
		return nil
	}

	ev, err := w.decoder.Decode(l)
	if err != nil {
		decodeErrors.Inc()
		w.logger.Warn("skipping undecodable log", "tx", l.TxHash.Hex(), "index", l.Index, "error", err)
		w.remember(key, l.BlockNumber)
		return nil
	}

	if err := w.sink.Submit(ctx, ev); err != nil {
		return err
	}
	w.remember(key, l.BlockNumber)
	logsDelivered.WithLabelValues(events.Name(ev)).Inc()
	return nil
}

func (w *Watcher) remember(key string, block uint64) {
	w.mu.Lock()
	w.processed[key] = block
	w.mu.Unlock()
}

// forget drops dedup entries at or below block; those blocks are never
// queried again.
func (w *Watcher) forget(block uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, b := range w.processed {
		if b <= block {
			delete(w.processed, k)
		}
	}
}
