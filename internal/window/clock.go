// Package window computes dispute window deadlines for approved resolution
// events.
package window

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable Clock.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a ManualClock reading t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now returns the clock's current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// HasWindow reports whether an approval at the given outcome position opens a
// dispute window. From the final position on, approval is terminal.
func HasWindow(position int) bool {
	return position > 0 && position < domain.FinalPosition
}

// Deadline returns the instant the dispute window of ev closes. ok is false
// when ev opens no window: it is not approved or sits at the final position.
// An approved event without a review time yields domain.ErrNoTimingData.
func Deadline(m domain.Market, ev domain.ResolutionEvent, position int) (deadline time.Time, ok bool, err error) {
	if ev.Status != domain.StatusApproved || !HasWindow(position) {
		return time.Time{}, false, nil
	}
	if ev.ReviewedAt == nil || ev.ReviewedAt.IsZero() {
		return time.Time{}, false, fmt.Errorf("window: event %s: %w", ev.ID, domain.ErrNoTimingData)
	}
	return ev.ReviewedAt.Add(m.ResolutionWindow()), true, nil
}

// IsOpen reports whether now falls before the deadline of ev. Events without a
// window are never open.
func IsOpen(m domain.Market, ev domain.ResolutionEvent, position int, now time.Time) (bool, error) {
	deadline, ok, err := Deadline(m, ev, position)
	if err != nil || !ok {
		return false, err
	}
	return now.Before(deadline), nil
}

// Remaining returns max(0, deadline-now) truncated to whole hours and minutes.
// It is meant for display only.
func Remaining(m domain.Market, ev domain.ResolutionEvent, position int, now time.Time) (domain.WindowRemaining, error) {
	deadline, ok, err := Deadline(m, ev, position)
	if err != nil || !ok {
		return domain.WindowRemaining{}, err
	}
	return Split(deadline.Sub(now)), nil
}

// Split breaks d into whole hours and leftover minutes, clamping at zero.
func Split(d time.Duration) domain.WindowRemaining {
	if d <= 0 {
		return domain.WindowRemaining{}
	}
	h := int(d / time.Hour)
	min := int((d % time.Hour) / time.Minute)
	return domain.WindowRemaining{Hours: h, Minutes: min}
}
