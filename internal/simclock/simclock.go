// Package simclock provides a simulated clock that runs at a configurable
// multiple of wall-clock time and can be paused or moved to any instant.
package simclock

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrInvalidSpeed is returned for speeds that are not positive finite numbers
// or that exceed MaxSpeed.
var ErrInvalidSpeed = errors.New("invalid clock speed")

// MaxSpeed is the largest accepted multiplier. At this speed one wall second
// advances the scene by about 317 years.
const MaxSpeed = 1e10

// maxOffsetSeconds bounds how far simulated time may drift from its anchor
// before it is clamped, keeping Unix seconds inside int64.
const maxOffsetSeconds = 1 << 60

// Speeds offered by the scene's time control.
var Speeds = []float64{1, 16, 21, 100, 1000}

// Clock is the read side of a simulated clock.
type Clock interface {
	Now() time.Time
}

// SimClock maps wall-clock time onto simulated time. Simulated time is
// sim0 + (wall - wall0) * speed while running, and sim0 while paused.
// Every change re-anchors (wall0, sim0) so simulated time never jumps.
type SimClock struct {
	mu     sync.RWMutex
	wall   func() time.Time
	wall0  time.Time
	sim0   time.Time
	speed  float64
	paused bool
}

// Option configures a SimClock.
type Option func(*SimClock)

// WithWallClock replaces time.Now as the wall-clock source.
func WithWallClock(now func() time.Time) Option {
	return func(c *SimClock) {
		c.wall = now
	}
}

// New returns a running clock at start with speed 1.
func New(start time.Time, opts ...Option) *SimClock {
	c := &SimClock{
		wall:  time.Now,
		speed: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wall0 = c.wall()
	c.sim0 = start
	return c
}

// Now returns the current simulated time.
func (c *SimClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nowLocked(c.wall())
}

func (c *SimClock) nowLocked(wall time.Time) time.Time {
	if c.paused {
		return c.sim0
	}
	return addSeconds(c.sim0, wall.Sub(c.wall0).Seconds()*c.speed)
}

// addSeconds adds a float number of seconds to t. Whole seconds and the
// nanosecond remainder are added separately so offsets beyond the range of a
// time.Duration do not wrap.
func addSeconds(t time.Time, secs float64) time.Time {
	secs = math.Max(-maxOffsetSeconds, math.Min(maxOffsetSeconds, secs))
	whole := math.Floor(secs)
	nanos := math.Round((secs - whole) * 1e9)
	return time.Unix(t.Unix()+int64(whole), int64(t.Nanosecond())+int64(nanos)).In(t.Location())
}

// reanchor must be called with mu held.
func (c *SimClock) reanchor() {
	wall := c.wall()
	c.sim0 = c.nowLocked(wall)
	c.wall0 = wall
}

// SetTime moves simulated time to t without changing speed or pause state.
func (c *SimClock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall0 = c.wall()
	c.sim0 = t
}

// SetSpeed changes the multiplier applied to elapsed wall time.
func (c *SimClock) SetSpeed(speed float64) error {
	if math.IsNaN(speed) || speed <= 0 || speed > MaxSpeed {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, speed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reanchor()
	c.speed = speed
	return nil
}

// Speed returns the current multiplier.
func (c *SimClock) Speed() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speed
}

// Pause freezes simulated time. Pausing a paused clock is a no-op.
func (c *SimClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.reanchor()
	c.paused = true
}

// Resume continues from the instant the clock was paused at.
func (c *SimClock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.wall0 = c.wall()
	c.paused = false
}

// Paused reports whether the clock is paused.
func (c *SimClock) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}
