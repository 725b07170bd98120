// Package alerts persists findings as alerts, routes them to the mitigation
// engine and fans them out to subscribers.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/tradeguard/internal/findings"
	"github.com/mbd888/tradeguard/internal/pagination"
)

var (
	ErrNotFound      = errors.New("alerts: not found")
	ErrInvalidStatus = errors.New("alerts: invalid status")
	ErrPersistence   = errors.New("alerts: persistence failed")
)

// Status is an alert's lifecycle position. It only moves forward.
type Status string

const (
	StatusActive    Status = "active"
	StatusMitigated Status = "mitigated"
	StatusResolved  Status = "resolved"
)

func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusMitigated:
		return 1
	case StatusResolved:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Before reports whether s precedes other in the lifecycle.
func (s Status) Before(other Status) bool { return s.rank() < other.rank() }

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// predecessors lists the statuses that may advance to s.
func predecessors(s Status) []Status {
	var out []Status
	for _, st := range []Status{StatusActive, StatusMitigated, StatusResolved} {
		if st.Before(s) {
			out = append(out, st)
		}
	}
	return out
}

// Alert is the persisted projection of one finding.
type Alert struct {
	ID          string            `json:"id"`
	AlertID     string            `json:"alertId"`
	Kind        findings.Kind     `json:"kind"`
	Severity    findings.Severity `json:"severity"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Subject     string            `json:"subject,omitempty"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	TxRef       string            `json:"txRef,omitempty"`
	Block       uint64            `json:"block,omitempty"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Finding rebuilds the finding the alert was created from.
func (a *Alert) Finding() findings.Finding {
	return findings.Finding{
		Kind:        a.Kind,
		Subject:     a.Subject,
		Severity:    a.Severity,
		Name:        a.Name,
		Description: a.Description,
		Evidence:    a.Evidence,
		ProducedAt:  a.CreatedAt,
		TxRef:       a.TxRef,
	}
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status Status
	Kind   findings.Kind
	Limit  int
	Cursor *pagination.Cursor
}

// scope binds list cursors to the status and kind filters.
func (f ListFilter) scope() string {
	kind := ""
	if f.Kind != findings.KindUnknown {
		kind = f.Kind.String()
	}
	return pagination.Scope(string(f.Status), kind)
}

// Stats aggregates alert counts.
type Stats struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"bySeverity"`
	ByKind     map[string]int `json:"byKind"`
	ByStatus   map[string]int `json:"byStatus"`
}

func newStats() *Stats {
	return &Stats{
		BySeverity: make(map[string]int),
		ByKind:     make(map[string]int),
		ByStatus:   make(map[string]int),
	}
}

// Store persists alerts. Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, a *Alert) error
	// UpdateStatus advances every alert with alertID whose status precedes
	// to. Alerts already at or past to are left alone. Returns rows changed.
	UpdateStatus(ctx context.Context, alertID string, to Status) (int, error)
	// Count returns active or mitigated alerts with alertID created at or after since.
	Count(ctx context.Context, alertID string, since time.Time) (int, error)
	Get(ctx context.Context, id string) (*Alert, error)
	// List returns alerts newest first, starting after the filter cursor.
	List(ctx context.Context, f ListFilter) ([]*Alert, error)
	Stats(ctx context.Context) (*Stats, error)
	ActiveCount(ctx context.Context) (int, error)
	ResolveMitigatedBefore(ctx context.Context, before time.Time) (int, error)
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int, error)
}

