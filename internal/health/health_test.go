package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status { return Status{Healthy: true} })
	r.Register("sweeper", func(_ context.Context) Status { return Status{Healthy: true, Detail: "ok"} })

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "db", statuses[0].Name, "names come from registration")
	assert.Equal(t, "sweeper", statuses[1].Name)
	assert.True(t, statuses[0].Critical)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status { return Status{Healthy: true} })
	r.Register("sweeper", func(_ context.Context) Status { return Status{Detail: "not running"} })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "not running", statuses[1].Detail)
}

func TestRegistryOptionalDoesNotFail(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status { return Status{Healthy: true} })
	r.RegisterOptional("classifier", Breaker(func() string { return "open" }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.False(t, statuses[1].Healthy)
	assert.False(t, statuses[1].Critical)
	assert.Equal(t, "open", statuses[1].Detail)
}

func TestRegistryTimeoutAndPanic(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(_ context.Context) Status {
		time.Sleep(time.Second)
		return Status{Healthy: true}
	})
	r.Register("broken", func(_ context.Context) Status { panic("boom") })

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, healthy)
	assert.Equal(t, "check timed out", statuses[0].Detail)
	assert.Contains(t, statuses[1].Detail, "panic")
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	ctx := context.Background()
	assert.True(t, Database(fakePinger{})(ctx).Healthy)
	down := Database(fakePinger{err: errors.New("connection refused")})(ctx)
	assert.False(t, down.Healthy)
	assert.Equal(t, "connection refused", down.Detail)

	assert.True(t, Loop(func() bool { return true })(ctx).Healthy)
	assert.False(t, Loop(func() bool { return false })(ctx).Healthy)

	assert.True(t, Breaker(func() string { return "half-open" })(ctx).Healthy)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status { return Status{Healthy: true} })
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
