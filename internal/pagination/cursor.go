// Package pagination implements keyset pagination over newest-first lists.
//
// A cursor names the last row a client has seen by (created time, id) and is
// bound to the filter that produced it, so a cursor from one query cannot be
// replayed against another.
package pagination

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrScopeMismatch = errors.New("cursor was issued for a different filter")
	ErrInvalidLimit  = errors.New("limit must be a positive integer")
)

const (
	cursorVersion = "c1"
	scopeLen      = 8
)

// Cursor is the position after which the next page starts.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Precedes reports whether a row at (createdAt, id) sorts strictly after the
// cursor in newest-first order, meaning it belongs on a later page. A nil
// cursor admits every row.
func (c *Cursor) Precedes(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Scope fingerprints the filter parameters a cursor is valid for. Pass the
// filter values in a fixed order; empty values still count.
func Scope(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])[:scopeLen]
}

// Encode returns an opaque cursor for the row at (createdAt, id).
func Encode(createdAt time.Time, id, scope string) string {
	raw := strings.Join([]string{cursorVersion, strconv.FormatInt(createdAt.UnixNano(), 10), scope, id}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode for the same scope. It returns a
// nil cursor for empty input.
func Decode(s, scope string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 4)
	if len(parts) != 4 || parts[0] != cursorVersion || parts[3] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	if parts[2] != scope {
		return nil, ErrScopeMismatch
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: parts[3]}, nil
}

// ParseLimit parses a page size query value. Empty input yields def; larger
// values are clamped to max.
func ParseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLimit, raw)
	}
	return min(n, max), nil
}

// Page is one page of a newest-first listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// NewPage trims items, which were fetched with limit+1, down to limit and
// builds the cursor for the following page from the last kept item.
func NewPage[T any](items []T, limit int, scope string, key func(T) (time.Time, string)) Page[T] {
	if items == nil {
		items = []T{}
	}
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return Page[T]{Items: items, NextCursor: Encode(createdAt, id, scope), HasMore: true}
}
