// Package clock abstracts time for deterministic deadline and retry tests.
package clock

import (
	"context"
	"time"
)

// Clock returns the current time and sleeps; implementations other than
// System are test fakes.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

// System is the real clock.
type System struct{}

// NewSystem creates a System clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func (System) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
