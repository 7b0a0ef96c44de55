package task

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"appletd/internal/tick"
)

// Work is a unit of deferred execution. It receives a private copy of the
// arguments bound at registration.
type Work func(ctx context.Context, args Args) error

// Option configures a Task.
type Option func(*Task)

// WithTimeout bounds a single invocation. 0 disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// Task is a registered unit of work. Identity, work, interval and arguments are
// fixed at Bind; the next-due tick changes after every run.
type Task struct {
	id       string
	work     Work
	interval tick.Duration
	args     Args
	timeout  time.Duration

	nextRun  atomic.Uint32
	runs     atomic.Uint64
	failures atomic.Uint64
	streak   atomic.Uint32 // consecutive failures
}

// Info is a point-in-time view of a task.
type Info struct {
	ID        string
	Interval  tick.Duration
	NextRun   tick.Tick
	Timeout   time.Duration
	Runs      uint64
	Failures  uint64
	Streak    uint32
	ArgCount  int
	KwargKeys int
}

// Bind builds a task whose next-due tick is start. The registry passes the
// current tick, which makes a new task due on the next iteration.
func Bind(id string, work Work, interval tick.Duration, start tick.Tick, args Args, opts ...Option) *Task {
	t := &Task{
		id:       id,
		work:     work,
		interval: interval,
		args:     args.clone(),
	}
	t.nextRun.Store(uint32(start))
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t
}

func (t *Task) ID() string              { return t.id }
func (t *Task) Interval() tick.Duration { return t.interval }
func (t *Task) Timeout() time.Duration  { return t.timeout }
func (t *Task) NextRun() tick.Tick      { return tick.Tick(t.nextRun.Load()) }
func (t *Task) Args() Args              { return t.args.clone() }

// ConsecutiveFailures counts failed runs since the last success.
func (t *Task) ConsecutiveFailures() uint32 { return t.streak.Load() }

// Recurring reports whether the scheduler may select this task.
func (t *Task) Recurring() bool { return t.interval > 0 }

// IsDue reports whether a recurring task's next-due tick has been reached at current.
// Zero-interval tasks are never due; they run only through explicit invocation.
func (t *Task) IsDue(c *tick.Clock, current tick.Tick) bool {
	return t.interval > 0 && !c.Less(current, t.NextRun())
}

// Defer sets the next-due tick explicitly (used by failure backoff and tests).
func (t *Task) Defer(next tick.Tick) { t.nextRun.Store(uint32(next)) }

// Execute invokes the work with a fresh copy of the bound arguments. On success
// the task re-arms itself at clock.Now()+interval; on failure the next-due tick
// is left untouched and the error is returned. A panic becomes *PanicError.
func (t *Task) Execute(ctx context.Context, c *tick.Clock) error {
	if t.work == nil {
		return ErrNilWork
	}
	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	err := t.invoke(runCtx)
	t.runs.Add(1)
	if err != nil {
		t.failures.Add(1)
		t.streak.Add(1)
		return err
	}
	t.streak.Store(0)
	t.nextRun.Store(uint32(c.Add(c.Now(), t.interval)))
	return nil
}

func (t *Task) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return t.work(ctx, t.args.clone())
}

func (t *Task) Info() Info {
	return Info{
		ID:        t.id,
		Interval:  t.interval,
		NextRun:   t.NextRun(),
		Timeout:   t.timeout,
		Runs:      t.runs.Load(),
		Failures:  t.failures.Load(),
		Streak:    t.streak.Load(),
		ArgCount:  len(t.args.Pos),
		KwargKeys: len(t.args.Kw),
	}
}
