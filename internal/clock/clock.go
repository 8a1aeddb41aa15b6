// Package clock abstracts the wall clock so time-dependent code can be tested.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time
type Clock interface {
	Now() time.Time
}

// Real is the system clock
type Real struct{}

// Now returns time.Now in UTC
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a manually driven clock for tests
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock set to t
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

// Now returns the fake's current time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// Advance moves the clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
