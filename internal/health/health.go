// Package health aggregates subsystem checks into one service state.
//
// Critical checks (database, retry worker) make the service unhealthy when
// they fail. Optional checks (cache, chain RPC, settlement circuit) only
// degrade it: orders are still accepted and settlement calls queue.
package health

import (
	"context"
	"sync"
	"time"
)

// State is the aggregate health of the service.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a critical checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, critical: true, check: check})
}

// RegisterOptional adds a checker whose failure only degrades the service.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate state plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (State, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			start := time.Now()
			st := nc.check(ctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			st.Critical = nc.critical
			st.LatencyMs = time.Since(start).Milliseconds()
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	state := StateHealthy
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		if st.Critical {
			return StateUnhealthy, statuses
		}
		state = StateDegraded
	}
	return state, statuses
}
