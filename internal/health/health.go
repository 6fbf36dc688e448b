// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single checker when the caller's context has no
// earlier deadline.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	// Critical subsystems make the service unready when unhealthy.
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides DefaultTimeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a critical named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.register(name, true, check)
}

// RegisterOptional adds a checker whose failure degrades but does not fail
// the service.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.register(name, false, check)
}

func (r *Registry) register(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns whether
// every critical one is healthy, plus individual results in registration
// order. A checker that overruns the timeout is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			statuses[i] = runOne(ctx, nc, timeout)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func runOne(ctx context.Context, nc namedChecker, timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan Status, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- Status{Detail: fmt.Sprintf("checker panic: %v", r)}
			}
		}()
		ch <- nc.check(ctx)
	}()

	var st Status
	select {
	case st = <-ch:
	case <-ctx.Done():
		st = Status{Detail: "check timed out"}
	}
	st.Name = nc.name
	st.Critical = nc.critical
	return st
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports whether the connection pool can reach the server.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Loop reports whether a background loop (such as the settlement sweeper)
// is running.
func Loop(running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Detail: "not running"}
		}
		return Status{Healthy: true}
	}
}

// Breaker reports a circuit breaker as unhealthy while it is open. state
// returns the breaker state name ("closed", "half-open", "open").
func Breaker(state func() string) Checker {
	return func(context.Context) Status {
		s := state()
		return Status{Healthy: s != "open", Detail: s}
	}
}
