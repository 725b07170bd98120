package detect

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/history"
	"github.com/mbd888/tradeguard/internal/syncutil"
)

func tradeEvidence(t events.Trade) map[string]string {
	return map[string]string{
		findings.EvBuyer:     t.Buyer,
		findings.EvSeller:    t.Seller,
		findings.EvAmount:    t.Amount.String(),
		findings.EvPrice:     t.Price.String(),
		findings.EvTimestamp: unixString(t.Timestamp),
	}
}

// VolumeDetector flags trades whose amount exceeds a fixed threshold.
type VolumeDetector struct {
	threshold decimal.Decimal
}

func NewVolumeDetector(threshold decimal.Decimal) *VolumeDetector {
	return &VolumeDetector{threshold: threshold}
}

func (d *VolumeDetector) Name() string { return "volume" }

func (d *VolumeDetector) Detect(_ context.Context, t events.Trade, now time.Time) ([]findings.Finding, error) {
	if !t.Amount.GreaterThan(d.threshold) {
		return nil, nil
	}
	ev := tradeEvidence(t)
	ev[findings.EvThreshold] = d.threshold.String()
	return []findings.Finding{{
		Kind:        findings.KindSuspiciousVolume,
		Subject:     t.Buyer,
		Severity:    findings.SeverityMedium,
		Name:        "Suspicious Trade Volume Detected",
		Description: fmt.Sprintf("Large trade volume detected: %s tokens", t.Amount.String()),
		Evidence:    ev,
		ProducedAt:  now,
		TxRef:       t.TxRef,
	}}, nil
}

// PriceBandDetector flags trades priced outside [min, max].
type PriceBandDetector struct {
	min, max decimal.Decimal
}

func NewPriceBandDetector(min, max decimal.Decimal) *PriceBandDetector {
	return &PriceBandDetector{min: min, max: max}
}

func (d *PriceBandDetector) Name() string { return "price_band" }

func (d *PriceBandDetector) Detect(_ context.Context, t events.Trade, now time.Time) ([]findings.Finding, error) {
	if !t.Price.LessThan(d.min) && !t.Price.GreaterThan(d.max) {
		return nil, nil
	}
	ev := tradeEvidence(t)
	ev[findings.EvMinPrice] = d.min.String()
	ev[findings.EvMaxPrice] = d.max.String()
	return []findings.Finding{{
		Kind:        findings.KindUnusualPrice,
		Subject:     t.Buyer,
		Severity:    findings.SeverityMedium,
		Name:        "Unusual Trade Price Detected",
		Description: fmt.Sprintf("Unusual price detected: %s", t.Price.String()),
		Evidence:    ev,
		ProducedAt:  now,
		TxRef:       t.TxRef,
	}}, nil
}

const counterShards = 32

type counterShard struct {
	mu     sync.Mutex
	counts map[string]int
}

// FrequencyDetector counts trades per buyer and flags buyers whose count
// exceeds the threshold. Counters are cleared wholesale by Reset on a fixed
// tick rather than decaying per trade.
type FrequencyDetector struct {
	threshold int
	shards    [counterShards]counterShard
}

func NewFrequencyDetector(threshold int) *FrequencyDetector {
	d := &FrequencyDetector{threshold: threshold}
	for i := range d.shards {
		d.shards[i].counts = make(map[string]int)
	}
	return d
}

func (d *FrequencyDetector) Name() string { return "frequency" }

func (d *FrequencyDetector) Detect(_ context.Context, t events.Trade, now time.Time) ([]findings.Finding, error) {
	n := d.increment(t.Buyer)
	if n <= d.threshold {
		return nil, nil
	}
	return []findings.Finding{{
		Kind:        findings.KindRapidTrading,
		Subject:     t.Buyer,
		Severity:    findings.SeverityHigh,
		Name:        "Rapid Trading Detected",
		Description: fmt.Sprintf("User %s has made %d trades in the analysis window", t.Buyer, n),
		Evidence: map[string]string{
			findings.EvUser:       t.Buyer,
			findings.EvTradeCount: strconv.Itoa(n),
			findings.EvThreshold:  strconv.Itoa(d.threshold),
			findings.EvTimestamp:  unixString(t.Timestamp),
		},
		ProducedAt: now,
		TxRef:      t.TxRef,
	}}, nil
}

func (d *FrequencyDetector) increment(trader string) int {
	s := &d.shards[syncutil.ShardIndex(trader, counterShards)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[trader]++
	return s.counts[trader]
}

// Count returns the trader's trades since the last reset.
func (d *FrequencyDetector) Count(trader string) int {
	s := &d.shards[syncutil.ShardIndex(trader, counterShards)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[trader]
}

// Reset clears every counter.
func (d *FrequencyDetector) Reset() {
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		s.counts = make(map[string]int)
		s.mu.Unlock()
	}
}

// SellerHistory is the history query the front-running detector needs.
type SellerHistory interface {
	RecentByCounterparty(counterparty string, window time.Duration) []history.Observation
}

// FrontRunningDetector flags a trade when enough prior trades against the
// same seller landed at nearly the same price within a short ledger-time gap.
type FrontRunningDetector struct {
	history SellerHistory
	epsilon decimal.Decimal
	gap     time.Duration
	matches int
	window  time.Duration
}

func NewFrontRunningDetector(h SellerHistory, th Thresholds) *FrontRunningDetector {
	return &FrontRunningDetector{
		history: h,
		epsilon: th.PriceEpsilon,
		gap:     th.FrontRunGap,
		matches: th.FrontRunMatches,
		window:  th.AnalysisWindow,
	}
}

func (d *FrontRunningDetector) Name() string { return "front_running" }

func (d *FrontRunningDetector) Detect(_ context.Context, t events.Trade, now time.Time) ([]findings.Finding, error) {
	if t.Seller == "" {
		return nil, nil
	}
	similar := 0
	for _, o := range d.history.RecentByCounterparty(t.Seller, d.window) {
		if !o.Price.Sub(t.Price).Abs().LessThan(d.epsilon) {
			continue
		}
		gap := o.LedgerTime.Sub(t.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap < d.gap {
			similar++
		}
	}
	if similar < d.matches {
		return nil, nil
	}

	ev := tradeEvidence(t)
	ev[findings.EvSimilarCount] = strconv.Itoa(similar)
	return []findings.Finding{{
		Kind:        findings.KindFrontRunning,
		Subject:     t.Buyer,
		Severity:    findings.SeverityHigh,
		Name:        "Potential Front-Running Attack Detected",
		Description: fmt.Sprintf("%d similar trades against seller %s in a short time window", similar, t.Seller),
		Evidence:    ev,
		ProducedAt:  now,
		TxRef:       t.TxRef,
	}}, nil
}
