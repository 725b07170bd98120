// Package history keeps a short sliding window of trades per trader.
//
// Observations are bucketed per trader and spread over a fixed number of
// shards. A shard lock only guards the bucket map; each bucket carries its
// own lock, so appending for one trader never blocks reads for another
// beyond a map lookup. A secondary index keyed by counterparty serves the
// front-running query without scanning every trader.
package history

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/syncutil"
)

const shardCount = 64

// DefaultRetention is how long observations are kept.
const DefaultRetention = 5 * time.Minute

// Observation is one executed trade as seen by the detectors.
type Observation struct {
	Trader       string          `json:"trader"`
	Counterparty string          `json:"counterparty"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	ObservedAt   time.Time       `json:"observedAt"`
	LedgerTime   time.Time       `json:"ledgerTime"`
	TxRef        string          `json:"txRef,omitempty"`
}

type bucket struct {
	mu  sync.Mutex
	obs []Observation
}

// pruneLocked drops observations observed before cutoff. Caller holds b.mu.
func (b *bucket) pruneLocked(cutoff time.Time) int {
	i := 0
	for i < len(b.obs) && b.obs[i].ObservedAt.Before(cutoff) {
		i++
	}
	if i == 0 {
		return 0
	}
	b.obs = slices.Clone(b.obs[i:])
	return i
}

// windowLocked copies observations at or after since. Caller holds b.mu.
func (b *bucket) windowLocked(since time.Time) []Observation {
	start := len(b.obs)
	for j, o := range b.obs {
		if !o.ObservedAt.Before(since) {
			start = j
			break
		}
	}
	return slices.Clone(b.obs[start:])
}

// insertLocked adds o in ObservedAt order. Observations for one counterparty
// arrive from several ingest lanes, so a late stamp can reach the bucket
// after a newer one. Caller holds b.mu.
func (b *bucket) insertLocked(o Observation) {
	n := len(b.obs)
	if n == 0 || !b.obs[n-1].ObservedAt.After(o.ObservedAt) {
		b.obs = append(b.obs, o)
		return
	}
	i, _ := slices.BinarySearchFunc(b.obs, o.ObservedAt, func(e Observation, t time.Time) int {
		if e.ObservedAt.After(t) {
			return 1
		}
		return -1
	})
	b.obs = slices.Insert(b.obs, i, o)
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

func (s *shard) get(key string) *bucket {
	s.mu.RLock()
	b := s.buckets[key]
	s.mu.RUnlock()
	return b
}

func (s *shard) append(key string, o Observation) {
	s.mu.RLock()
	if b := s.buckets[key]; b != nil {
		b.mu.Lock()
		b.insertLocked(o)
		b.mu.Unlock()
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	s.mu.Lock()
	b := s.buckets[key]
	if b == nil {
		b = &bucket{}
		s.buckets[key] = b
	}
	b.mu.Lock()
	b.insertLocked(o)
	b.mu.Unlock()
	s.mu.Unlock()
}

func (s *shard) snapshot() []*bucket {
	s.mu.RLock()
	out := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b)
	}
	s.mu.RUnlock()
	return out
}

// prune trims every bucket and removes the ones left empty.
func (s *shard) prune(cutoff time.Time) int {
	removed := 0
	var empty []string

	s.mu.RLock()
	for key, b := range s.buckets {
		b.mu.Lock()
		removed += b.pruneLocked(cutoff)
		if len(b.obs) == 0 {
			empty = append(empty, key)
		}
		b.mu.Unlock()
	}
	s.mu.RUnlock()

	if len(empty) == 0 {
		return removed
	}

	s.mu.Lock()
	for _, key := range empty {
		b := s.buckets[key]
		if b == nil {
			continue
		}
		b.mu.Lock()
		if len(b.obs) == 0 {
			delete(s.buckets, key)
		}
		b.mu.Unlock()
	}
	s.mu.Unlock()
	return removed
}

type index [shardCount]shard

func newIndex() *index {
	var idx index
	for i := range idx {
		idx[i].buckets = make(map[string]*bucket)
	}
	return &idx
}

func (idx *index) shardFor(key string) *shard {
	return &idx[syncutil.ShardIndex(key, shardCount)]
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for observation times and window cutoffs.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// Store is the per-trader trade history.
type Store struct {
	clock     clockwork.Clock
	retention time.Duration
	byTrader  *index
	bySeller  *index
}

// NewStore creates an empty history store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:     clockwork.NewRealClock(),
		retention: DefaultRetention,
		byTrader:  newIndex(),
		bySeller:  newIndex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration { return s.retention }

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Record appends an observation. A zero ObservedAt is stamped with the
// store clock.
func (s *Store) Record(o Observation) {
	if o.ObservedAt.IsZero() {
		o.ObservedAt = s.clock.Now()
	}
	s.byTrader.shardFor(o.Trader).append(o.Trader, o)
	if o.Counterparty != "" {
		s.bySeller.shardFor(o.Counterparty).append(o.Counterparty, o)
	}
	observationsRecorded.Inc()
}

// Recent returns the trader's observations no older than window, oldest
// first. The trader's bucket is pruned to the retention window first.
func (s *Store) Recent(trader string, window time.Duration) []Observation {
	return s.recent(s.byTrader, trader, window)
}

// RecentByCounterparty returns observations whose counterparty matches,
// no older than window, oldest first.
func (s *Store) RecentByCounterparty(counterparty string, window time.Duration) []Observation {
	return s.recent(s.bySeller, counterparty, window)
}

func (s *Store) recent(idx *index, key string, window time.Duration) []Observation {
	b := idx.shardFor(key).get(key)
	if b == nil {
		return nil
	}
	now := s.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now.Add(-s.retention))
	return b.windowLocked(now.Add(-window))
}

// RecentAll returns every trader's observations no older than window,
// ordered by observation time.
func (s *Store) RecentAll(window time.Duration) []Observation {
	since := s.clock.Now().Add(-window)
	var out []Observation
	for i := range s.byTrader {
		for _, b := range s.byTrader[i].snapshot() {
			b.mu.Lock()
			out = append(out, b.windowLocked(since)...)
			b.mu.Unlock()
		}
	}
	slices.SortStableFunc(out, func(a, b Observation) int {
		return a.ObservedAt.Compare(b.ObservedAt)
	})
	return out
}

// Prune drops every observation older than the retention window relative
// to now. It returns the number of trader-index entries removed.
func (s *Store) Prune(now time.Time) int {
	cutoff := now.Add(-s.retention)
	removed := 0
	for i := range s.byTrader {
		removed += s.byTrader[i].prune(cutoff)
		s.bySeller[i].prune(cutoff)
	}
	observationsPruned.Add(float64(removed))
	return removed
}

// Traders returns the number of traders with retained observations.
func (s *Store) Traders() int {
	n := 0
	for i := range s.byTrader {
		s.byTrader[i].mu.RLock()
		n += len(s.byTrader[i].buckets)
		s.byTrader[i].mu.RUnlock()
	}
	return n
}
