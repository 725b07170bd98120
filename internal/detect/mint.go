package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/findings"
)

// MintingDetector flags mints above a fixed amount.
type MintingDetector struct {
	threshold decimal.Decimal
}

func NewMintingDetector(threshold decimal.Decimal) *MintingDetector {
	return &MintingDetector{threshold: threshold}
}

func (d *MintingDetector) Name() string { return "minting" }

func (d *MintingDetector) DetectMint(_ context.Context, m events.Mint, now time.Time) ([]findings.Finding, error) {
	if !m.Amount.GreaterThan(d.threshold) {
		return nil, nil
	}
	return []findings.Finding{{
		Kind:        findings.KindLargeMinting,
		Subject:     m.Producer,
		Severity:    findings.SeverityMedium,
		Name:        "Large Energy Token Minting Detected",
		Description: fmt.Sprintf("Large amount of energy tokens minted: %s", m.Amount.String()),
		Evidence: map[string]string{
			findings.EvProducer:  m.Producer,
			findings.EvAmount:    m.Amount.String(),
			findings.EvThreshold: d.threshold.String(),
			findings.EvTimestamp: unixString(m.Timestamp),
		},
		ProducedAt: now,
		TxRef:      m.TxRef,
	}}, nil
}
