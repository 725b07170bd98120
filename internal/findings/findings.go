// Package findings defines the anomaly finding model shared by detectors,
// the alert router and the mitigation engine.
package findings

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of anomaly categories.
type Kind int

const (
	KindUnknown Kind = iota
	KindSuspiciousVolume
	KindUnusualPrice
	KindRapidTrading
	KindFrontRunning
	KindLargeMinting
	KindContractAnomaly
	KindCircuitBreakerSignal
	KindAgentError
)

// AlertIDPrefix prefixes every canonical alert identifier.
const AlertIDPrefix = "ENERGY-"

var kindNames = map[Kind]string{
	KindSuspiciousVolume:     "suspicious_volume",
	KindUnusualPrice:         "unusual_price",
	KindRapidTrading:         "rapid_trading",
	KindFrontRunning:         "front_running",
	KindLargeMinting:         "large_minting",
	KindContractAnomaly:      "contract_anomaly",
	KindCircuitBreakerSignal: "circuit_breaker",
	KindAgentError:           "agent_error",
}

// alertSuffixes are the alert id stems, without the prefix.
var alertSuffixes = map[Kind]string{
	KindSuspiciousVolume:     "SUSPICIOUS-VOLUME",
	KindUnusualPrice:         "UNUSUAL-PRICE",
	KindRapidTrading:         "RAPID-TRADING",
	KindFrontRunning:         "FRONT-RUNNING",
	KindLargeMinting:         "LARGE-MINTING",
	KindContractAnomaly:      "ANOMALY",
	KindCircuitBreakerSignal: "CIRCUIT-BREAKER",
	KindAgentError:           "AGENT-ERROR",
}

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindSuspiciousVolume, KindUnusualPrice, KindRapidTrading, KindFrontRunning,
		KindLargeMinting, KindContractAnomaly, KindCircuitBreakerSignal, KindAgentError,
	}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts either the kind name or an alert id.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind resolves a kind from its name ("front_running") or from an alert
// id ("ENERGY-FRONT-RUNNING", "ENERGY-ANOMALY-PRICE_SPIKE").
func ParseKind(s string) (Kind, error) {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)
	for k, name := range kindNames {
		if name == lower {
			return k, nil
		}
	}

	upper := strings.TrimPrefix(strings.ToUpper(trimmed), AlertIDPrefix)
	if strings.HasPrefix(upper, alertSuffixes[KindContractAnomaly]+"-") {
		return KindContractAnomaly, nil
	}
	for k, suffix := range alertSuffixes {
		if suffix == upper {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("findings: unknown kind %q", s)
}

// Severity orders findings by urgency.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name, case-insensitively.
func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity maps a severity name to a Severity. "info" is treated as low.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "info", "unknown":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("findings: unknown severity %q", s)
}

// Evidence keys used across detectors.
const (
	EvBuyer        = "buyer"
	EvSeller       = "seller"
	EvProducer     = "producer"
	EvUser         = "user"
	EvAmount       = "amount"
	EvPrice        = "price"
	EvThreshold    = "threshold"
	EvMinPrice     = "minPrice"
	EvMaxPrice     = "maxPrice"
	EvTradeCount   = "tradeCount"
	EvSimilarCount = "similarTradesCount"
	EvAnomalyType  = "anomalyType"
	EvValue        = "value"
	EvNewState     = "newState"
	EvReason       = "reason"
	EvDetector     = "detector"
	EvError        = "error"
	EvTimestamp    = "timestamp"
)

// Finding is an immutable anomaly report produced by a detector or
// translated from a ledger-side event.
type Finding struct {
	Kind        Kind              `json:"kind"`
	Subject     string            `json:"subject"`
	Severity    Severity          `json:"severity"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	ProducedAt  time.Time         `json:"producedAt"`
	TxRef       string            `json:"txRef,omitempty"`
}

// AlertID derives the stable grouping key used by count queries and by
// status updates. Every kind maps to a fixed id except contract anomalies,
// which are grouped per on-chain anomaly type.
func AlertID(f Finding) string {
	suffix, ok := alertSuffixes[f.Kind]
	if !ok {
		return AlertIDPrefix + "UNKNOWN"
	}
	if f.Kind == KindContractAnomaly {
		typ := normalizeAnomalyType(f.Evidence[EvAnomalyType])
		if typ == "" {
			typ = "UNSPECIFIED"
		}
		return AlertIDPrefix + suffix + "-" + typ
	}
	return AlertIDPrefix + suffix
}

func normalizeAnomalyType(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-")
}

// Batch groups the findings produced by one ledger transaction.
type Batch struct {
	Findings   []Finding `json:"findings"`
	TxRef      string    `json:"transactionHash,omitempty"`
	Block      uint64    `json:"blockNumber,omitempty"`
	LedgerTime time.Time `json:"timestamp"`
}
