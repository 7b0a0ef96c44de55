package tick

import (
	"fmt"
	"time"
)

// Tick is a counter value in [0, Period).
type Tick uint32

// Duration is a distance in ticks. Intervals are expressed in the same unit
// as the counter (milliseconds for the Monotonic source).
type Duration uint32

const (
	// DefaultBits gives a 2^32 period (full uint32 width).
	DefaultBits = 32
	// CircuitPythonBits matches the 2^29 period of supervisor.ticks_ms.
	CircuitPythonBits = 29

	minBits = 8
	maxBits = 32
)

// Source is a free-running host counter. Values may exceed the clock period;
// the Clock reduces them.
type Source interface {
	Now() uint64
}

// Resolutioner is implemented by sources that know the wall-clock length of one tick.
type Resolutioner interface {
	Resolution() time.Duration
}

// Clock wraps a Source with modular comparison and addition.
type Clock struct {
	src  Source
	bits uint
	mask uint32
	half uint32
}

// NewClock returns a clock with period 2^bits. bits is clamped to [8, 32];
// 0 selects DefaultBits.
func NewClock(src Source, bits uint) *Clock {
	if bits == 0 {
		bits = DefaultBits
	}
	if bits < minBits {
		bits = minBits
	}
	if bits > maxBits {
		bits = maxBits
	}
	mask := uint32((uint64(1) << bits) - 1)
	return &Clock{
		src:  src,
		bits: bits,
		mask: mask,
		half: uint32(uint64(1) << (bits - 1)),
	}
}

// Bits returns log2 of the period.
func (c *Clock) Bits() uint { return c.bits }

// Period returns the modulus M.
func (c *Clock) Period() uint64 { return uint64(c.mask) + 1 }

// Max returns the largest representable tick (M-1).
func (c *Clock) Max() Tick { return Tick(c.mask) }

// Half returns M/2, the largest distance that still orders two ticks.
func (c *Clock) Half() Duration { return Duration(c.half) }

// Resolution reports the wall-clock length of one tick, defaulting to a millisecond.
func (c *Clock) Resolution() time.Duration {
	if r, ok := c.src.(Resolutioner); ok {
		if d := r.Resolution(); d > 0 {
			return d
		}
	}
	return time.Millisecond
}

// Now reads the source once.
func (c *Clock) Now() Tick {
	return c.Wrap(c.src.Now())
}

// Wrap reduces an arbitrary counter value into the clock's range.
func (c *Clock) Wrap(v uint64) Tick {
	return Tick(uint32(v) & c.mask)
}

// Add returns (t + d) mod M.
func (c *Clock) Add(t Tick, d Duration) Tick {
	return Tick((uint32(t) + uint32(d)) & c.mask)
}

// Diff returns the signed distance end-start in [-M/2, M/2).
func (c *Clock) Diff(end, start Tick) int64 {
	d := (uint32(end) - uint32(start) + c.half) & c.mask
	return int64(d) - int64(c.half)
}

// Less reports whether a denotes an earlier instant than b, i.e. whether
// (b - a) mod M lies in the forward half (0, M/2).
func (c *Clock) Less(a, b Tick) bool {
	return c.Diff(b, a) > 0
}

// Until converts the distance from now to t into wall-clock time.
// Ticks in the past yield 0.
func (c *Clock) Until(now, t Tick) time.Duration {
	d := c.Diff(t, now)
	if d <= 0 {
		return 0
	}
	return time.Duration(d) * c.Resolution()
}

// DurationOf converts a wall-clock duration into ticks, rounding up and
// saturating at M/2-1 so the result stays orderable.
func (c *Clock) DurationOf(d time.Duration) Duration {
	if d <= 0 {
		return 0
	}
	res := c.Resolution()
	n := (d + res - 1) / res
	limit := time.Duration(c.half - 1)
	if n > limit {
		n = limit
	}
	return Duration(n)
}

// Interval converts a wall-clock interval into ticks, rounding up. Unlike
// DurationOf it fails instead of saturating when the result is not below
// half the period.
func (c *Clock) Interval(d time.Duration) (Duration, error) {
	if d <= 0 {
		return 0, nil
	}
	res := c.Resolution()
	n := (d + res - 1) / res
	if n >= time.Duration(c.half) {
		return 0, fmt.Errorf("interval %s (%d ticks) exceeds half period %d", d, n, c.half)
	}
	return Duration(n), nil
}

// Validate reports whether d can be used as a recurring interval.
func (c *Clock) Validate(d Duration) error {
	if uint32(d) >= c.half {
		return fmt.Errorf("interval %d ticks exceeds half period %d", d, c.half)
	}
	return nil
}
