// Package circuitbreaker guards outbound payment provider calls with a
// per-provider breaker: closed, open, then half-open with a single probe.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

// Defaults used when New is given non-positive values.
const (
	DefaultThreshold    = 5
	DefaultOpenDuration = 30 * time.Second
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handyhub",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by provider, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	cbState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "handyhub",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state per provider (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbState)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per key. A circuit opens after threshold
// consecutive failures and lets a single probe through once openDuration
// has passed.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	onTransition func(key string, from, to State)
	now          func() time.Time
}

// New creates a breaker. Non-positive arguments fall back to the defaults.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// OnTransition sets a callback run in its own goroutine on every state
// change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call to key may proceed. An open circuit whose
// open period has elapsed moves to half-open and admits the caller as the
// probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.openDuration {
			return false
		}
		b.transition(c, key, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// RecordSuccess clears the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.transition(c, key, StateClosed)
	}
}

// RecordFailure counts a failure. A failed probe reopens the circuit at
// once; a closed circuit opens when the threshold is reached.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.transition(c, key, StateOpen)
	}
}

// State returns the state of key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Open returns the keys whose circuit is not closed, sorted.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k, c := range b.circuits {
		if c.state != StateClosed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// transition must be called with b.mu held.
func (b *Breaker) transition(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	cbState.WithLabelValues(key).Set(float64(to))
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}
