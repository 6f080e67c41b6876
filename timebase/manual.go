package timebase

import (
	"context"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Timers and
// tickers fire synchronously during Advance, which makes paced loops
// deterministic in tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	tickers []*manualTicker
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual returns a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After registers a one-shot timer that fires when the clock has been
// advanced past d from now.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the clock advances past d or the context is
// cancelled.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-m.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewTicker returns a ticker driven by Advance.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	t := &manualTicker{
		clock:  m,
		period: d,
		ch:     make(chan time.Time, 1),
	}
	m.mu.Lock()
	t.next = m.now.Add(d)
	m.tickers = append(m.tickers, t)
	m.mu.Unlock()
	return t
}

// Advance moves the clock forward by d, firing every timer and tick
// that comes due. Undrained ticks are dropped, matching time.Ticker.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.now = target

	var due []chan time.Time
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if w.at.After(target) {
			remaining = append(remaining, w)
			continue
		}
		due = append(due, w.ch)
	}
	m.waiters = remaining

	type tick struct {
		ch chan time.Time
		at time.Time
	}
	var ticks []tick
	for _, t := range m.tickers {
		for !t.next.After(target) {
			ticks = append(ticks, tick{ch: t.ch, at: t.next})
			t.next = t.next.Add(t.period)
		}
	}
	m.mu.Unlock()

	for _, ch := range due {
		ch <- target
	}
	for _, tk := range ticks {
		select {
		case tk.ch <- tk.at:
		default:
		}
	}
}

type manualTicker struct {
	clock  *Manual
	period time.Duration
	next   time.Time
	ch     chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, other := range t.clock.tickers {
		if other == t {
			t.clock.tickers = append(t.clock.tickers[:i], t.clock.tickers[i+1:]...)
			return
		}
	}
}
