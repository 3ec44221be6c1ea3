// Package clock abstracts time so timers owned by the poller and the
// operation executor can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time operations for testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real uses the actual system time.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced Clock. The zero value is not usable; use NewFake.
type Fake struct {
	mu        sync.Mutex
	now       time.Time
	waiters   []fakeWaiter
	requested []time.Duration
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a Fake clock reading t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires once the clock has been advanced by d.
// Non-positive durations fire immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, d)
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{at: f.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires every waiter whose deadline
// has been reached.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(f.now) {
			w.ch <- f.now
			continue
		}
		pending = append(pending, w)
	}
	f.waiters = pending
}

// Waiters returns the number of channels from After that have not fired yet.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// Requested returns every duration passed to After, in call order.
func (f *Fake) Requested() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.requested))
	copy(out, f.requested)
	return out
}

// WaitForWaiters polls until at least n timers are pending or timeout
// elapses in real time. It reports whether the condition was met.
func (f *Fake) WaitForWaiters(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.Waiters() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return f.Waiters() >= n
}
