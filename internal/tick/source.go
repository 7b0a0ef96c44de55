package tick

import (
	"sync/atomic"
	"time"
)

// Monotonic counts milliseconds since it was created, starting at offset.
//
// CircuitPython starts ticks_ms shortly before the wrap so rollover bugs show up
// early; an offset such as 1<<29 - 65536 reproduces that on a 29-bit clock.
type Monotonic struct {
	start  time.Time
	offset uint64
	res    time.Duration
}

func NewMonotonic(offset uint64) *Monotonic {
	return &Monotonic{start: time.Now(), offset: offset, res: time.Millisecond}
}

func (m *Monotonic) Now() uint64 {
	return m.offset + uint64(time.Since(m.start)/m.res)
}

func (m *Monotonic) Resolution() time.Duration { return m.res }

// Manual is a counter that only moves when told to.
type Manual struct {
	v atomic.Uint64
}

func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.v.Store(start)
	return m
}

func (m *Manual) Now() uint64 { return m.v.Load() }

// Set jumps to v.
func (m *Manual) Set(v uint64) { m.v.Store(v) }

// Advance moves the counter forward by d and returns the new raw value.
func (m *Manual) Advance(d uint64) uint64 { return m.v.Add(d) }
