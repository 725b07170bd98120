package detect

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/findings"
)

// FromAnomaly translates a contract-raised anomaly into a finding.
func FromAnomaly(a events.Anomaly, now time.Time) findings.Finding {
	return findings.Finding{
		Kind:        findings.KindContractAnomaly,
		Subject:     a.User,
		Severity:    findings.SeverityHigh,
		Name:        "Smart Contract Anomaly: " + a.Type,
		Description: fmt.Sprintf("Anomaly detected in energy trading contract: %s", a.Type),
		Evidence: map[string]string{
			findings.EvAnomalyType: a.Type,
			findings.EvUser:        a.User,
			findings.EvValue:       a.Value.String(),
			findings.EvTimestamp:   unixString(a.Timestamp),
		},
		ProducedAt: now,
		TxRef:      a.TxRef,
	}
}

// FromBreakerSignal translates an on-chain circuit breaker change into a finding.
func FromBreakerSignal(b events.BreakerSignal, now time.Time) findings.Finding {
	return findings.Finding{
		Kind:        findings.KindCircuitBreakerSignal,
		Subject:     b.Contract,
		Severity:    findings.SeverityCritical,
		Name:        "Circuit Breaker Triggered",
		Description: fmt.Sprintf("Circuit breaker state changed to: %d. Reason: %s", b.NewState, b.Reason),
		Evidence: map[string]string{
			findings.EvNewState:  strconv.Itoa(int(b.NewState)),
			findings.EvReason:    b.Reason,
			findings.EvTimestamp: unixString(b.Timestamp),
		},
		ProducedAt: now,
		TxRef:      b.TxRef,
	}
}
