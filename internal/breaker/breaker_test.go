package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/copernicusworks/moonscan/timebase"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clock := timebase.NewManual(time.Unix(1000, 0))
	b := New(Config{MaxFailures: 3, ResetTimeout: 10 * time.Second}, clock)

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow before trip: %v", err)
		}
		b.Failure()
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	b.Failure()
	if got := b.State(); got != Open {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow while open = %v, want ErrOpen", err)
	}
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b := New(Config{MaxFailures: 2}, timebase.NewManual(time.Unix(1000, 0)))

	b.Failure()
	b.Success()
	b.Failure()
	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want closed (failure run was interrupted)", got)
	}
}

func TestHalfOpenProbe(t *testing.T) {
	clock := timebase.NewManual(time.Unix(1000, 0))
	b := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Second}, clock)

	b.Failure()
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow immediately after open = %v, want ErrOpen", err)
	}

	clock.Advance(10 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after reset timeout: %v", err)
	}
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state after admitted probe = %v, want half-open", got)
	}

	// While the probe is in flight only one attempt is admitted.
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("second Allow during probe = %v, want ErrOpen", err)
	}

	b.Failure()
	if got := b.State(); got != Open {
		t.Fatalf("state after failed probe = %v, want open", got)
	}

	clock.Advance(10 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after second reset: %v", err)
	}
	b.Success()
	if got := b.State(); got != Closed {
		t.Fatalf("state after successful probe = %v, want closed", got)
	}
}
