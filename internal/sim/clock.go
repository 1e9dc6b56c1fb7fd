package sim

import "time"

// Clock tracks virtual scenario time: wall time scaled by a speed multiplier,
// frozen while paused, rewound on loop wraps. Owned by the engine goroutine.
type Clock struct {
	speed   float64
	base    time.Time
	banked  time.Duration
	running bool
}

// NewClock builds a stopped clock. Speeds at or below zero run in real time.
func NewClock(speed float64) *Clock {
	if speed <= 0 {
		speed = 1
	}
	return &Clock{speed: speed}
}

// Start zeroes virtual time and begins advancing it.
func (c *Clock) Start(now time.Time) {
	c.base = now
	c.banked = 0
	c.running = true
}

// Pause freezes virtual time. Pausing a paused clock is a no-op.
func (c *Clock) Pause(now time.Time) {
	if !c.running {
		return
	}
	c.banked = c.Elapsed(now)
	c.running = false
}

// Resume continues from the frozen value.
func (c *Clock) Resume(now time.Time) {
	if c.running {
		return
	}
	c.base = now
	c.running = true
}

// Rewind subtracts d from virtual time, keeping any overshoot past the wrap
// point so looped scenarios stay phase-accurate.
func (c *Clock) Rewind(now time.Time, d time.Duration) {
	c.banked = c.Elapsed(now) - d
	if c.banked < 0 {
		c.banked = 0
	}
	c.base = now
}

// Elapsed returns virtual time since Start.
func (c *Clock) Elapsed(now time.Time) time.Duration {
	if !c.running {
		return c.banked
	}
	return c.banked + time.Duration(float64(now.Sub(c.base))*c.speed)
}

// Speed returns the configured multiplier.
func (c *Clock) Speed() float64 { return c.speed }

// Running reports whether virtual time is advancing.
func (c *Clock) Running() bool { return c.running }
