// Package applet is the top-level façade: one named registry of tasks plus the
// loop that runs them.
//
// One applet per process is an operational convention; nothing here enforces
// it. Construct the applet once and pass it to whatever needs to register or
// invoke tasks.
package applet

import (
	"context"
	"fmt"
	"iter"
	"time"

	"appletd/internal/eventbus"
	"appletd/internal/scheduler"
	"appletd/internal/task"
	"appletd/internal/tick"
	logx "appletd/pkg/logx"
)

type Applet struct {
	name  string
	clock *tick.Clock
	reg   *task.Registry
	loop  *scheduler.Loop
	log   logx.Logger
}

type options struct {
	clock *tick.Clock
	log   logx.Logger
	bus   eventbus.Bus
	cfg   scheduler.Config
}

// Option configures New.
type Option func(*options)

// WithClock sets the tick clock. The default is a 32-bit millisecond clock.
func WithClock(c *tick.Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = l } }

func WithBus(b eventbus.Bus) Option { return func(o *options) { o.bus = b } }

// WithScheduler sets the loop config (failure policy, idle sleep, backoff).
func WithScheduler(cfg scheduler.Config) Option { return func(o *options) { o.cfg = cfg } }

func New(name string, opts ...Option) *Applet {
	o := options{}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.clock == nil {
		o.clock = tick.NewClock(tick.NewMonotonic(0), tick.DefaultBits)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	log := o.log.With(logx.String("applet", name))
	reg := task.NewRegistry(o.clock)
	return &Applet{
		name:  name,
		clock: o.clock,
		reg:   reg,
		loop:  scheduler.New(reg, o.cfg, log.With(logx.String("comp", "loop")), o.bus),
		log:   log,
	}
}

func (a *Applet) Name() string                 { return a.name }
func (a *Applet) Clock() *tick.Clock           { return a.clock }
func (a *Applet) Registry() *task.Registry     { return a.reg }
func (a *Applet) Loop() *scheduler.Loop        { return a.loop }
func (a *Applet) All() iter.Seq[*task.Task]    { return a.reg.All() }
func (a *Applet) Tasks() []task.Info           { return a.reg.Snapshot() }
func (a *Applet) Snapshot() scheduler.Snapshot { return a.loop.Snapshot() }

// Ticks converts a wall-clock interval into clock ticks. It fails when the
// interval is not below half the counter period.
func (a *Applet) Ticks(d time.Duration) (tick.Duration, error) { return a.clock.Interval(d) }

// TaskOption configures one registration.
type TaskOption func(*Registration)

// WithID sets the identifier. Without it an identifier is generated.
func WithID(id string) TaskOption { return func(r *Registration) { r.ID = id } }

// WithArgs binds positional arguments.
func WithArgs(v ...any) TaskOption { return func(r *Registration) { r.Args = v } }

// WithKwargs binds keyword arguments.
func WithKwargs(kw map[string]any) TaskOption { return func(r *Registration) { r.Kwargs = kw } }

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) TaskOption { return func(r *Registration) { r.Timeout = d } }

// Registration is one row of an explicit registration table.
type Registration struct {
	ID       string
	Interval tick.Duration
	Work     task.Work
	Args     []any
	Kwargs   map[string]any
	Timeout  time.Duration
}

// AddTask registers work to run every interval ticks (0 = manual only) and
// returns the identifier used. An existing task with the same identifier is
// replaced.
func (a *Applet) AddTask(work task.Work, interval tick.Duration, opts ...TaskOption) (string, error) {
	r := Registration{Work: work, Interval: interval}
	for _, fn := range opts {
		if fn != nil {
			fn(&r)
		}
	}
	return a.add(r)
}

// Register returns a binder that registers the work it wraps and hands it
// back unchanged, so several registrations can be stacked on one work:
//
//	work := a.Register(5000, applet.WithID("hello"))(hello)
//	a.Register(10000, applet.WithID("solo"))(work)
//
// The binder panics if the registration is invalid, as the table is fixed at
// setup time.
func (a *Applet) Register(interval tick.Duration, opts ...TaskOption) func(task.Work) task.Work {
	return func(work task.Work) task.Work {
		if _, err := a.AddTask(work, interval, opts...); err != nil {
			panic(fmt.Sprintf("applet %s: register: %v", a.name, err))
		}
		return work
	}
}

// RegisterAll applies a registration table in order. It stops at the first
// invalid row.
func (a *Applet) RegisterAll(rows []Registration) error {
	for i, r := range rows {
		if _, err := a.add(r); err != nil {
			return fmt.Errorf("registration %d (%s): %w", i, r.ID, err)
		}
	}
	return nil
}

func (a *Applet) add(r Registration) (string, error) {
	var topts []task.Option
	if r.Timeout > 0 {
		topts = append(topts, task.WithTimeout(r.Timeout))
	}
	id, replaced, err := a.reg.Add(r.ID, r.Work, r.Interval, task.Args{Pos: r.Args, Kw: r.Kwargs}, topts...)
	if err != nil {
		return "", err
	}
	if replaced {
		a.log.Info("task replaced", logx.String("task", id), logx.Uint32("interval", uint32(r.Interval)))
	} else {
		a.log.Debug("task added", logx.String("task", id), logx.Uint32("interval", uint32(r.Interval)))
	}
	a.loop.Wake()
	return id, nil
}

// RemoveTask deletes a task. It returns task.ErrNotFound when id is unknown.
func (a *Applet) RemoveTask(id string) error {
	if err := a.reg.Remove(id); err != nil {
		return err
	}
	a.log.Debug("task removed", logx.String("task", id))
	return nil
}

// Task returns a view of one task.
func (a *Applet) Task(id string) (task.Info, error) {
	t, err := a.reg.Get(id)
	if err != nil {
		return task.Info{}, err
	}
	return t.Info(), nil
}

// Invoke runs a task immediately outside the loop, including zero-interval
// tasks. A successful run re-arms a recurring task as the loop would, and the
// run is published on the bus and kept in the loop history like a scheduled
// one. Invoke does not serialize with the loop, so a task may overlap its own
// scheduled run.
func (a *Applet) Invoke(ctx context.Context, id string) error {
	t, err := a.reg.Get(id)
	if err != nil {
		return err
	}
	start := time.Now()
	err = a.loop.Invoke(ctx, t)
	if err != nil {
		a.log.Warn("task.invoke failed", logx.String("task", id), logx.Err(err), logx.Duration("dur", time.Since(start)))
		return err
	}
	a.log.Info("task.invoked", logx.String("task", id), logx.Duration("dur", time.Since(start)))
	return nil
}

// Run blocks in the scheduler loop until Stop, ctx cancellation or a fatal
// task failure.
func (a *Applet) Run(ctx context.Context) error {
	a.log.Info("applet running", logx.Int("tasks", a.reg.Len()))
	return a.loop.Run(ctx)
}

// Stop asks the loop to finish its current iteration and return.
func (a *Applet) Stop() { a.loop.Stop() }
