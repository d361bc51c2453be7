package engine

import (
	"time"
)

// timeNow is replaced in tests. Readings carry a monotonic clock, so
// intervals are immune to wall clock steps.
var timeNow = time.Now

// Interval tracks the time since it was last marked.
type Interval struct {
	label string
	every time.Duration
	mark  time.Time
}

func newInterval(label string, every time.Duration) *Interval {
	return &Interval{label: label, every: every}
}

// Mark restarts the interval at now.
func (x *Interval) Mark(now time.Time) { x.mark = now }

// Since returns the time elapsed between the last mark and now.
func (x *Interval) Since(now time.Time) time.Duration { return now.Sub(x.mark) }

// Passed reports whether a full interval has elapsed since the last mark.
func (x *Interval) Passed(now time.Time) bool { return x.Since(now) >= x.every }

// Remaining returns the time until the interval passes, never negative.
func (x *Interval) Remaining(now time.Time) time.Duration {
	return max(x.every-x.Since(now), 0)
}

func (x *Interval) String() string { return x.label + "/" + x.every.String() }
