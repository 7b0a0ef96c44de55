// Package scheduler runs the cooperative loop that executes due tasks.
//
// Each iteration:
//   - reads the tick clock once
//   - selects the due tasks (one invocation per identifier)
//   - runs them concurrently and waits for all of them
//   - returns to Idle
//
// Stop is checked only between iterations. A running iteration is never
// pre-empted.
package scheduler
