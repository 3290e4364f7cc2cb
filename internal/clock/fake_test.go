package clock

import (
	"testing"
	"time"
)

func TestFakeTimeoutFiresOnAdvance(t *testing.T) {
	f := NewFake()
	fired := false
	f.Timeout(5*time.Second, func() { fired = true })

	f.Advance(4 * time.Second)
	if fired {
		t.Fatalf("timeout fired early")
	}

	f.Advance(1 * time.Second)
	if !fired {
		t.Fatalf("timeout did not fire at its due time")
	}
}

func TestFakeTimeoutFiresOnlyOnce(t *testing.T) {
	f := NewFake()
	count := 0
	f.Timeout(1*time.Second, func() { count++ })

	f.Advance(10 * time.Second)
	if count != 1 {
		t.Fatalf("expected 1 fire, got %d", count)
	}
}

func TestFakeIntervalReschedules(t *testing.T) {
	f := NewFake()
	count := 0
	f.Interval(1*time.Second, func() { count++ })

	f.Advance(3500 * time.Millisecond)
	if count != 3 {
		t.Fatalf("expected 3 fires, got %d", count)
	}
}

func TestFakeCancelPreventsFutureFires(t *testing.T) {
	f := NewFake()
	count := 0
	tok := f.Interval(1*time.Second, func() { count++ })

	f.Advance(2 * time.Second)
	if count != 2 {
		t.Fatalf("expected 2 fires before cancel, got %d", count)
	}

	tok.Cancel()
	f.Advance(5 * time.Second)
	if count != 2 {
		t.Fatalf("expected no fires after cancel, got %d", count)
	}
}

func TestFakeOrdersMultipleTimersByDueTime(t *testing.T) {
	f := NewFake()
	var order []string
	f.Timeout(3*time.Second, func() { order = append(order, "c") })
	f.Timeout(1*time.Second, func() { order = append(order, "a") })
	f.Timeout(2*time.Second, func() { order = append(order, "b") })

	f.Advance(3 * time.Second)
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected a,b,c order, got %v", order)
	}
}
