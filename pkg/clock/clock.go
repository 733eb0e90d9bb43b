// Package clock abstracts wall time and sleeping so that limiter, breaker and
// pause timing can be driven deterministically in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock supplies the current time and a cancellable sleep.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	// It returns ctx.Err() when the context ended the wait.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// Real returns the process wall clock.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fake is a manually driven clock. Sleep advances virtual time by the
// requested duration and returns immediately.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep advances virtual time by d.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	f.mu.Lock()
	f.now = f.now.Add(d)
	f.slept += d
	f.mu.Unlock()
	return nil
}

// Advance moves virtual time forward without counting it as sleep.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Slept reports the total virtual time spent in Sleep.
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slept
}
