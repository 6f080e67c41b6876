// Package timebase abstracts wall-clock access so components that pace
// themselves (recorders, surveys, retry loops) can run against a manual
// clock in tests.
package timebase

import (
	"context"
	"time"
)

// Clock is the time source used by paced components.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
	// Sleep blocks for d or until the context is cancelled, returning
	// the context error in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System returns the wall clock.
func System() Clock {
	return sysClock{}
}

type sysClock struct{}

func (sysClock) Now() time.Time { return time.Now() }

func (sysClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (sysClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sysClock) NewTicker(d time.Duration) Ticker {
	return sysTicker{t: time.NewTicker(d)}
}

type sysTicker struct {
	t *time.Ticker
}

func (s sysTicker) C() <-chan time.Time { return s.t.C }

func (s sysTicker) Stop() { s.t.Stop() }
