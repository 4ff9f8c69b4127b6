// Package timesync keeps the node's notion of wall-clock time
// trustworthy. A [Supervisor] measures the offset to an NTP server
// whenever the network is up and publishes ClockSynced; a [Clock]
// applies the last measured offset to system time.
package timesync

import (
	"sync/atomic"
	"time"
)

// Clock returns corrected wall-clock time. The zero value is usable and
// reports system time unchanged until the first Apply.
type Clock struct {
	offset atomic.Int64 // nanoseconds
	synced atomic.Bool
	now    func() time.Time
}

// NewClock returns a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns system time plus the last measured offset.
func (c *Clock) Now() time.Time {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	return now().Add(time.Duration(c.offset.Load()))
}

// Apply records a measured offset and marks the clock synced.
func (c *Clock) Apply(offset time.Duration) {
	c.offset.Store(int64(offset))
	c.synced.Store(true)
}

// Offset returns the offset currently applied.
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Synced reports whether any sync has ever succeeded.
func (c *Clock) Synced() bool {
	return c.synced.Load()
}
