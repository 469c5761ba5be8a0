// Package clock abstracts wall-clock time so schedulers and engines can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time and timer sleeps.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d.
	Sleep(d time.Duration)
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// System is the real clock.
type System struct{}

// NewSystem returns a Clock backed by the OS clock.
func NewSystem() *System { return &System{} }

// Now returns the current wall-clock time in UTC.
func (*System) Now() time.Time { return time.Now().UTC() }

// Sleep blocks for d.
func (*System) Sleep(d time.Duration) { time.Sleep(d) }

// After returns a channel that fires once d has elapsed.
func (*System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock pinned to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep advances the fake clock by d without blocking.
func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

// After advances the fake clock by d and returns an already-fired channel.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return ch
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
