// Package circuitbreaker guards calls to a flaky upstream. Each key has
// its own circuit: consecutive failures open it, a cooldown later lets a
// single trial call through, and the trial call's result closes or reopens it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowmart",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state changes by key and target state.",
	}, []string{"key", "from_state", "to_state"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowmart",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls refused because the circuit was not closed.",
	}, []string{"key"})

	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowmart",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, rejectedTotal, stateGauge)
}

// ErrOpen is returned by Do while the circuit refuses calls.
var ErrOpen = errors.New("circuit breaker open")

// Transition describes one state change, passed to the OnTransition hook.
type Transition struct {
	Key      string
	From     State
	To       State
	Failures int
	At       time.Time
}

// Counts is a point-in-time view of one circuit.
type Counts struct {
	State    State
	Failures int
	Rejected int64
	OpenedAt time.Time
}

type circuit struct {
	state    State
	failures int
	rejected int64
	openedAt time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	hook      func(Transition)
	now       func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures
// and tries again once cooldown has passed.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition registers fn to run after every state change. fn runs on
// its own goroutine and must not call back into the breaker synchronously
// expecting ordering with later transitions.
func (b *Breaker) OnTransition(fn func(Transition)) {
	b.mu.Lock()
	b.hook = fn
	b.mu.Unlock()
}

func (b *Breaker) get(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one trial call.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			b.move(key, c, StateHalfOpen)
			return true
		}
	case StateHalfOpen:
		// trial call already in flight
	default:
		return true
	}
	c.rejected++
	rejectedTotal.WithLabelValues(key).Inc()
	return false
}

// RecordSuccess clears the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.move(key, c, StateClosed)
	}
}

// RecordFailure extends the failure streak. A failed trial call reopens the
// circuit immediately; a closed circuit opens when the streak reaches the
// threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(key)
	c.failures++
	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// State returns the circuit state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	return b.Snapshot(key).State
}

// Snapshot returns the counters for key.
func (b *Breaker) Snapshot(key string) Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return Counts{State: StateClosed}
	}
	return Counts{State: c.state, Failures: c.failures, Rejected: c.rejected, OpenedAt: c.openedAt}
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(key).Set(float64(to))
	if b.hook != nil {
		t := Transition{Key: key, From: from, To: to, Failures: c.failures, At: b.now()}
		go b.hook(t)
	}
}

// Do runs fn when the circuit for key allows it and records the outcome.
// isFailure picks which errors count against the circuit; nil counts
// every error.
func (b *Breaker) Do(key string, fn func() error, isFailure func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}
