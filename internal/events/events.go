// Package events defines the decoded energy-contract events consumed by the
// detection pipeline.
package events

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Meta locates an event on the ledger.
type Meta struct {
	TxRef    string `json:"txRef"`
	Block    uint64 `json:"block"`
	LogIndex uint   `json:"logIndex"`
	Contract string `json:"contract,omitempty"`
}

// EventMeta returns the event's ledger location.
func (m Meta) EventMeta() Meta { return m }

// Event is any decoded contract event.
type Event interface {
	EventMeta() Meta
	// Key is the address events are ordered by. Events sharing a key are
	// processed sequentially.
	Key() string
}

// Trade is an EnergyTradeExecuted event.
type Trade struct {
	Meta
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

func (t Trade) Key() string { return t.Buyer }

// Mint is an EnergyTokenMinted event.
type Mint struct {
	Meta
	Producer  string          `json:"producer"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

func (m Mint) Key() string { return m.Producer }

// Anomaly is an AnomalyDetected event raised by the contract itself.
type Anomaly struct {
	Meta
	Type      string          `json:"anomalyType"`
	User      string          `json:"user"`
	Value     decimal.Decimal `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

func (a Anomaly) Key() string { return a.User }

// BreakerSignal is a CircuitBreakerTriggered event.
type BreakerSignal struct {
	Meta
	NewState  uint8     `json:"newState"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (b BreakerSignal) Key() string { return b.Contract }

// NormalizeAddress lower-cases an address so map keys compare equal
// regardless of checksum casing.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Name returns a short label for the event type.
func Name(ev Event) string {
	switch ev.(type) {
	case Trade:
		return "trade"
	case Mint:
		return "mint"
	case Anomaly:
		return "anomaly"
	case BreakerSignal:
		return "circuit_breaker"
	default:
		return "other"
	}
}
