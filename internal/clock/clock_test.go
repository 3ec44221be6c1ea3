package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresDueWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	short := f.After(time.Second)
	long := f.After(time.Minute)

	if got := f.Waiters(); got != 2 {
		t.Fatalf("Waiters() = %d, want 2", got)
	}

	f.Advance(2 * time.Second)

	select {
	case got := <-short:
		if want := start.Add(2 * time.Second); !got.Equal(want) {
			t.Errorf("short fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("short waiter did not fire")
	}

	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}

	if got := f.Waiters(); got != 1 {
		t.Errorf("Waiters() = %d, want 1", got)
	}
}

func TestFake_NonPositiveFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
	if got := f.Requested(); len(got) != 1 || got[0] != 0 {
		t.Errorf("Requested() = %v, want [0]", got)
	}
}
