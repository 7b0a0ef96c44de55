package scheduler

import (
	"time"

	"appletd/internal/tick"
)

// FailurePolicy decides what a task error does to the loop.
type FailurePolicy int

const (
	// FailFatal propagates the first task error out of the iteration and ends Run.
	FailFatal FailurePolicy = iota
	// FailContinue logs the error, re-arms the task with backoff and keeps going.
	FailContinue
)

func (p FailurePolicy) String() string {
	switch p {
	case FailFatal:
		return "fatal"
	case FailContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string to a policy. Empty selects FailContinue.
func ParsePolicy(s string) (FailurePolicy, bool) {
	switch s {
	case "", "continue":
		return FailContinue, true
	case "fatal":
		return FailFatal, true
	}
	return FailContinue, false
}

// State is the loop's position in its two-state machine.
type State int32

const (
	Idle State = iota
	Dispatching
)

func (s State) String() string {
	if s == Dispatching {
		return "dispatching"
	}
	return "idle"
}

// Config controls the loop. Zero values fall back to defaults.
type Config struct {
	Policy FailurePolicy

	// IdleSleep caps the sleep between iterations when nothing is due soon.
	IdleSleep time.Duration

	HistorySize int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// SlowTask promotes task.finished logs from debug to info.
	SlowTask time.Duration
}

const (
	defaultIdleSleep     = time.Second
	defaultHistorySize   = 200
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 15 * time.Second
	defaultRetryJitter   = 0.2
	defaultSlowTask      = 750 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.IdleSleep <= 0 {
		c.IdleSleep = defaultIdleSleep
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	} else if c.RetryJitter == 0 {
		c.RetryJitter = defaultRetryJitter
	}
	if c.SlowTask <= 0 {
		c.SlowTask = defaultSlowTask
	}
	return c
}

// Result describes one completed iteration.
type Result struct {
	Iteration uint64
	Tick      tick.Tick
	Ran       []string // sorted task ids that were dispatched
	Failed    []string // sorted subset of Ran that returned an error
	Started   time.Time
	Duration  time.Duration
}

// HistoryItem is one task execution kept in the bounded history.
type HistoryItem struct {
	ID        string
	Iteration uint64
	Tick      tick.Tick
	Started   time.Time
	Duration  time.Duration
	Error     string
	Retry     time.Duration // backoff applied after a failure (FailContinue)
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	ID        string
	Iteration uint64
	Tick      tick.Tick
	Started   time.Time
	Duration  time.Duration
	Error     string
	NextRun   tick.Tick
}

// IterationEvent is the payload of loop.iteration bus events.
type IterationEvent struct {
	Iteration uint64
	Tick      tick.Tick
	Ran       int
	Failed    int
	Duration  time.Duration
}

// Bus event types.
const (
	EventTaskStarted   = "task.started"
	EventTaskFinished  = "task.finished"
	EventTaskFailed    = "task.failed"
	EventLoopIteration = "loop.iteration"
	EventLoopStopped   = "loop.stopped"
)

// Snapshot is a point-in-time view of the loop.
type Snapshot struct {
	State      State
	Policy     FailurePolicy
	Iterations uint64
	LastTick   tick.Tick
	Stopping   bool
	Tasks      int
	History    []HistoryItem
}
