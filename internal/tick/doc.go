// Package tick implements wraparound-safe arithmetic over a free-running
// millisecond counter.
//
// A Tick is a counter value reduced modulo a power-of-two period. Two ticks are
// ordered by their modular distance, never by raw integer comparison, so that a
// deadline computed just before the counter wraps still compares as "later" than
// a reading taken just after it:
//
//	c := tick.NewClock(tick.NewMonotonic(0), 29)
//	next := c.Add(c.Now(), 2000)
//	if !c.Less(c.Now(), next) {
//		// due
//	}
package tick
