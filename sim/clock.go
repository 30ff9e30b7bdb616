package sim

import (
	"fmt"
	"time"
)

// Timestamp is virtual time in nanoseconds since the simulation started.
type Timestamp int64

// Add returns t+d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d)
}

// Sub returns t-u as a duration.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(t - u)
}

// Duration returns the elapsed virtual time since the start.
func (t Timestamp) Duration() time.Duration {
	return time.Duration(t)
}

func (t Timestamp) String() string {
	return time.Duration(t).String()
}

// Clock is the simulation's logical time source. Only the scheduler's
// idle-advance step moves it forward.
type Clock struct {
	now   Timestamp
	start time.Time
}

// NewClock creates a Clock at virtual time zero that maps to start on the
// wall-clock axis.
func NewClock(start time.Time) *Clock {
	return &Clock{start: start}
}

// Now returns the current virtual time.
func (c *Clock) Now() Timestamp {
	return c.now
}

// Wall returns the simulated wall-clock time.
func (c *Clock) Wall() time.Time {
	return c.start.Add(c.now.Duration())
}

// advanceTo moves the clock to ts. Panics if ts lies in the past.
func (c *Clock) advanceTo(ts Timestamp) {
	if ts < c.now {
		panic(fmt.Sprintf("Clock: regression from %s to %s", c.now, ts))
	}
	c.now = ts
}

// ClockView is a node's read-only window onto the shared Clock.
type ClockView struct {
	clock *Clock
}

func (v *ClockView) Now() Timestamp  { return v.clock.Now() }
func (v *ClockView) Wall() time.Time { return v.clock.Wall() }

// Since returns the virtual time elapsed since ts.
func (v *ClockView) Since(ts Timestamp) time.Duration {
	return v.clock.Now().Sub(ts)
}
