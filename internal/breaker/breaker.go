// Package breaker implements the small closed/open/half-open circuit
// breaker that guards repeated calls against unhealthy dependencies:
// instrument connects and downstream event writes.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/copernicusworks/moonscan/timebase"
)

// ErrOpen reports an attempt refused because the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state. The numeric values feed state gauges
// directly.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before allowing
	// a half-open probe attempt.
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// Breaker is a minimal circuit breaker. A half-open breaker admits
// exactly one attempt; its outcome either closes or re-opens the
// circuit.
type Breaker struct {
	cfg   Config
	clock timebase.Clock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New builds a breaker; a nil clock means the system clock.
func New(cfg Config, clock timebase.Clock) *Breaker {
	if clock == nil {
		clock = timebase.System()
	}
	return &Breaker{cfg: cfg.withDefaults(), clock: clock}
}

// Allow reports whether an attempt may proceed. An open breaker past
// its reset timeout transitions to half-open and admits one attempt.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		// A probe attempt is already in flight.
		return ErrOpen
	default:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		b.state = HalfOpen
		return nil
	}
}

// Success records a successful attempt and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
}

// Failure records a failed attempt, opening the circuit after the
// configured run of consecutive failures or immediately when the
// half-open probe fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.MaxFailures {
		b.state = Open
		b.openedAt = b.clock.Now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
