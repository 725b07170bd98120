package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry(0)
	r.Register("db", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("watcher", func(_ context.Context) Status {
		return Status{Name: "watcher", Healthy: true, Detail: "block 42"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "db", statuses[0].Name, "name filled from registration")
	assert.Equal(t, "block 42", statuses[1].Detail)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(0)
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("hub", func(_ context.Context) Status {
		return Status{Name: "hub", Healthy: false, Detail: "stopped"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "stopped", statuses[1].Detail)
}

func TestRegistryTimeoutAndPanic(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Status{Healthy: true}
	})
	r.Register("broken", func(context.Context) Status { panic("nil pool") })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "check timed out", statuses[0].Detail)
	assert.Contains(t, statuses[1].Detail, "nil pool")
}

type flag struct{ on atomic.Bool }

func (f *flag) Running() bool { return f.on.Load() }

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

func TestHelpers(t *testing.T) {
	f := &flag{}
	check := RunnerCheck("watcher", f)
	assert.False(t, check(context.Background()).Healthy)
	f.on.Store(true)
	assert.True(t, check(context.Background()).Healthy)

	assert.True(t, PingCheck("db", pinger{})(context.Background()).Healthy)
	st := PingCheck("db", pinger{err: errors.New("refused")})(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "refused", st.Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
	}
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
