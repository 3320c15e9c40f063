// Package circuitbreaker guards a single remote dependency. After Threshold
// consecutive failures the circuit opens and calls fail fast with ErrOpen;
// once Cooldown elapses a single trial call decides whether it closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit is open or probing.
var ErrOpen = errors.New("circuit breaker open")

// State of a circuit.
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
	default:
		return "unknown"
	}
}

var stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "zafegard",
	Subsystem: "circuitbreaker",
	Name:      "state",
	Help:      "Current circuit state: 0 closed, 1 open, 2 half-open.",
}, []string{"name"})

func init() {
	prometheus.MustRegister(stateGauge)
}

// neutralError marks an error that proves the dependency is reachable.
type neutralError struct{ err error }

func (e neutralError) Error() string { return e.err.Error() }
func (e neutralError) Unwrap() error { return e.err }

// Neutral wraps err so that Do neither counts it as a failure nor lets it
// keep the circuit open. A 4xx answer from an HTTP endpoint is neutral.
func Neutral(err error) error {
	if err == nil {
		return nil
	}
	return neutralError{err}
}

func isNeutral(err error) bool {
	var n neutralError
	return errors.As(err, &n)
}

// Settings configure a Breaker.
type Settings struct {
	Name      string        // metric label
	Threshold int           // consecutive failures that open the circuit; default 5
	Cooldown  time.Duration // time open before a trial call; default 30s
	// OnStateChange runs on its own goroutine after every transition.
	OnStateChange func(name string, from, to State)
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name          string
	threshold     int
	cooldown      time.Duration
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New returns a closed breaker.
func New(st Settings) *Breaker {
	if st.Threshold <= 0 {
		st.Threshold = 5
	}
	if st.Cooldown <= 0 {
		st.Cooldown = 30 * time.Second
	}
	b := &Breaker{
		name:          st.Name,
		threshold:     st.Threshold,
		cooldown:      st.Cooldown,
		onStateChange: st.OnStateChange,
		now:           time.Now,
	}
	stateGauge.WithLabelValues(b.name).Set(float64(StateClosed))
	return b
}

// Do runs fn unless the circuit is open and records its outcome. The error
// of fn is returned unchanged, neutral wrapper included.
func (b *Breaker) Do(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil || isNeutral(err))
	return err
}

// State reports the current state. An open circuit past its cooldown still
// reads open until the next call tries it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		return nil
	case StateHalfOpen:
		return ErrOpen
	default:
		return nil
	}
}

func (b *Breaker) after(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	stateGauge.WithLabelValues(b.name).Set(float64(to))
	if fn := b.onStateChange; fn != nil {
		go fn(b.name, from, to)
	}
}
