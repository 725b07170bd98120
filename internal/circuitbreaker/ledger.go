package circuitbreaker

import (
	"context"
	"errors"
	"sync"
)

// ErrReadOnly is returned by a read-only ledger.
var ErrReadOnly = errors.New("circuitbreaker: ledger is read-only")

// LocalLedger stands in for the contract when no chain is configured. A
// read-only instance rejects every write, which keeps a dry-run deployment
// from changing state it cannot sign for.
type LocalLedger struct {
	readOnly bool

	mu    sync.Mutex
	state State
}

// NewLocalLedger creates an in-process ledger.
func NewLocalLedger(readOnly bool) *LocalLedger {
	return &LocalLedger{readOnly: readOnly}
}

func (l *LocalLedger) RequestState(_ context.Context, state State, _ string) (string, error) {
	if l.readOnly {
		return "", ErrReadOnly
	}
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
	return "", nil
}

// LedgerStatus reports the last state written.
func (l *LocalLedger) LedgerStatus(context.Context) (*LedgerStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &LedgerStatus{State: l.state, TotalSupply: "0", DailyVolume: "0"}, nil
}
