// Package syncutil holds small concurrency primitives shared by the
// detection pipeline and the circuit breaker.
package syncutil

import (
	"context"
	"hash/fnv"
)

// ContextMutex is a mutex implemented via a buffered channel, so waiters can
// give up when their context is cancelled.
type ContextMutex struct {
	ch chan struct{}
}

// NewContextMutex creates an unlocked ContextMutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// LockContext acquires the mutex, respecting context cancellation.
// On success it returns an unlock function the caller MUST call.
// On cancellation it returns nil and the context error.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ShardIndex hashes key into [0, n). Keys that are equal always land on the
// same shard.
func ShardIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
