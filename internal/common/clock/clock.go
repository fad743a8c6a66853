// Package clock abstracts wall-clock access so schedulers and stores can be
// driven by a fake time source in tests.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time. A single Clock instance drives both the
// dispatcher tick loop and retry-after comparisons so the two cannot drift.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu      sync.Mutex
	current time.Time
}

// NewFake returns a fake clock pinned at the given instant.
func NewFake(at time.Time) *Fake {
	return &Fake{current: at}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

// Set pins the fake clock at the given instant.
func (f *Fake) Set(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = at
}

// Timestamp formats t as the store's canonical UTC timestamp. The format is
// fixed-width and lexicographically comparable, which is what retry-after
// gating in SQL relies on.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
