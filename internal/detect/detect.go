// Package detect classifies energy-contract events into findings.
//
// Trade detectors run against a history snapshot taken before the trade is
// recorded, so a trade is never compared with itself. Each detector call is
// guarded: an error or panic becomes an agent-error finding and the
// remaining detectors still run.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/history"
)

// ErrDetectorFailed marks a detector that could not evaluate an event.
var ErrDetectorFailed = errors.New("detect: detector failed")

// Thresholds configures the built-in detectors. Amounts are in token units.
type Thresholds struct {
	SuspiciousVolume decimal.Decimal
	MinPrice         decimal.Decimal
	MaxPrice         decimal.Decimal
	LargeMinting     decimal.Decimal
	RapidTradeCount  int
	PriceEpsilon     decimal.Decimal
	FrontRunGap      time.Duration
	FrontRunMatches  int
	AnalysisWindow   time.Duration
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SuspiciousVolume: decimal.NewFromInt(500),
		MinPrice:         decimal.RequireFromString("0.1"),
		MaxPrice:         decimal.NewFromInt(2),
		LargeMinting:     decimal.NewFromInt(500),
		RapidTradeCount:  5,
		PriceEpsilon:     decimal.RequireFromString("0.01"),
		FrontRunGap:      30 * time.Second,
		FrontRunMatches:  2,
		AnalysisWindow:   time.Minute,
	}
}

// TradeDetector inspects a single trade.
type TradeDetector interface {
	Name() string
	Detect(ctx context.Context, t events.Trade, now time.Time) ([]findings.Finding, error)
}

// MintDetector inspects a single mint.
type MintDetector interface {
	Name() string
	DetectMint(ctx context.Context, m events.Mint, now time.Time) ([]findings.Finding, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used to stamp findings.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithTradeDetectors appends extra trade detectors after the built-in ones.
func WithTradeDetectors(d ...TradeDetector) Option {
	return func(p *Pipeline) { p.trades = append(p.trades, d...) }
}

// Pipeline runs every detector for an event and records trades into history.
type Pipeline struct {
	history   *history.Store
	frequency *FrequencyDetector
	trades    []TradeDetector
	mints     []MintDetector
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewPipeline wires the built-in detectors over the given history store.
func NewPipeline(h *history.Store, th Thresholds, logger *slog.Logger, opts ...Option) *Pipeline {
	freq := NewFrequencyDetector(th.RapidTradeCount)
	p := &Pipeline{
		history:   h,
		frequency: freq,
		trades: []TradeDetector{
			NewVolumeDetector(th.SuspiciousVolume),
			NewPriceBandDetector(th.MinPrice, th.MaxPrice),
			freq,
			NewFrontRunningDetector(h, th),
		},
		mints:  []MintDetector{NewMintingDetector(th.LargeMinting)},
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Frequency exposes the rapid-trading counter so its reset timer can drive it.
func (p *Pipeline) Frequency() *FrequencyDetector { return p.frequency }

// Process classifies one event into a finding batch. The batch may be empty.
func (p *Pipeline) Process(ctx context.Context, ev events.Event) findings.Batch {
	meta := ev.EventMeta()
	batch := findings.Batch{TxRef: meta.TxRef, Block: meta.Block}
	now := p.clock.Now()

	switch e := ev.(type) {
	case events.Trade:
		batch.LedgerTime = e.Timestamp
		batch.Findings = p.processTrade(ctx, e, now)
	case events.Mint:
		batch.LedgerTime = e.Timestamp
		for _, d := range p.mints {
			batch.Findings = append(batch.Findings, p.guard(d.Name(), meta.TxRef, now, func() ([]findings.Finding, error) {
				return d.DetectMint(ctx, e, now)
			})...)
		}
	case events.Anomaly:
		batch.LedgerTime = e.Timestamp
		batch.Findings = []findings.Finding{FromAnomaly(e, now)}
	case events.BreakerSignal:
		batch.LedgerTime = e.Timestamp
		batch.Findings = []findings.Finding{FromBreakerSignal(e, now)}
	default:
		batch.Findings = []findings.Finding{agentError("pipeline", meta.TxRef, now,
			fmt.Errorf("%w: unsupported event %T", ErrDetectorFailed, ev))}
	}

	for _, f := range batch.Findings {
		findingsProduced.WithLabelValues(f.Kind.String()).Inc()
	}
	return batch
}

func (p *Pipeline) processTrade(ctx context.Context, t events.Trade, now time.Time) []findings.Finding {
	var out []findings.Finding
	for _, d := range p.trades {
		out = append(out, p.guard(d.Name(), t.TxRef, now, func() ([]findings.Finding, error) {
			return d.Detect(ctx, t, now)
		})...)
	}

	p.history.Record(history.Observation{
		Trader:       t.Buyer,
		Counterparty: t.Seller,
		Amount:       t.Amount,
		Price:        t.Price,
		ObservedAt:   now,
		LedgerTime:   t.Timestamp,
		TxRef:        t.TxRef,
	})
	return out
}

// guard runs fn, converting an error or panic into an agent-error finding.
func (p *Pipeline) guard(name, txRef string, now time.Time, fn func() ([]findings.Finding, error)) (out []findings.Finding) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in detector", "detector", name, "tx", txRef, "panic", fmt.Sprint(r))
			detectorFailures.WithLabelValues(name).Inc()
			out = []findings.Finding{agentError(name, txRef, now, fmt.Errorf("%w: panic: %v", ErrDetectorFailed, r))}
		}
	}()

	fs, err := fn()
	if err != nil {
		p.logger.Warn("detector failed", "detector", name, "tx", txRef, "error", err)
		detectorFailures.WithLabelValues(name).Inc()
		return []findings.Finding{agentError(name, txRef, now, err)}
	}
	return fs
}

func agentError(detector, txRef string, now time.Time, err error) findings.Finding {
	return findings.Finding{
		Kind:        findings.KindAgentError,
		Subject:     detector,
		Severity:    findings.SeverityHigh,
		Name:        "Error in Energy Trading Agent",
		Description: fmt.Sprintf("Error processing transaction: %v", err),
		Evidence: map[string]string{
			findings.EvDetector: detector,
			findings.EvError:    err.Error(),
		},
		ProducedAt: now,
		TxRef:      txRef,
	}
}

func unixString(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return fmt.Sprintf("%d", t.Unix())
}
