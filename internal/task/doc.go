// Package task holds the unit of deferred work and the registry that owns it.
//
// A Task stores the work function together with its bound arguments, never a
// started computation: every dispatch builds a fresh invocation from the stored
// Args. The only mutable scheduling state is the next-due tick, which the task
// writes back itself after a successful run.
//
// Registry identifiers are unique. Adding a task under an existing identifier
// replaces the previous task (interval, work, arguments and next-due tick) in
// one step; callers that care can inspect the returned "replaced" flag.
package task
