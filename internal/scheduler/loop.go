package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"appletd/internal/eventbus"
	"appletd/internal/task"
	"appletd/internal/tick"
	logx "appletd/pkg/logx"
)

// Loop selects and runs due tasks from one registry.
type Loop struct {
	clock *tick.Clock
	reg   *task.Registry
	log   logx.Logger
	bus   eventbus.Bus

	mu  sync.Mutex
	cfg Config

	state    atomic.Int32
	stopping atomic.Bool
	wake     chan struct{}
	iter     atomic.Uint64
	lastTick atomic.Uint32

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a loop over reg. bus may be nil.
func New(reg *task.Registry, cfg Config, log logx.Logger, bus eventbus.Bus) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		clock: reg.Clock(),
		reg:   reg,
		log:   log,
		bus:   bus,
		cfg:   cfg.withDefaults(),
		wake:  make(chan struct{}, 1),
	}
}

// Apply swaps the loop config. It takes effect at the next iteration.
func (l *Loop) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

func (l *Loop) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Loop) State() State { return State(l.state.Load()) }

// Stopping reports whether Stop has been requested.
func (l *Loop) Stopping() bool { return l.stopping.Load() }

// Stop requests termination. The current iteration, if any, runs to
// completion; Run returns before starting the next one. Stop is sticky.
func (l *Loop) Stop() {
	if l.stopping.Swap(true) {
		return
	}
	l.log.Info("stop requested", logx.String("state", l.State().String()))
	l.Wake()
}

// Wake cuts the current idle sleep short, e.g. after a task was added.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes iterations until Stop is requested, ctx is done or a task
// failure is fatal under the active policy. A stop request returns nil.
func (l *Loop) Run(ctx context.Context) error {
	cfg := l.config()
	l.log.Info("loop started",
		logx.String("policy", cfg.Policy.String()),
		logx.Int("tasks", l.reg.Len()),
		logx.Int("tick_bits", int(l.clock.Bits())),
		logx.Duration("idle_sleep", cfg.IdleSleep),
	)
	for {
		if l.stopping.Load() {
			n := l.iter.Load()
			l.log.Info("loop stopped", logx.Uint64("iterations", n))
			l.publish(EventLoopStopped, time.Now(), IterationEvent{Iteration: n, Tick: tick.Tick(l.lastTick.Load())})
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := l.Step(ctx); err != nil {
			l.log.Error("loop terminated", logx.Err(err), logx.Uint64("iteration", l.iter.Load()))
			return err
		}
		l.idle(ctx)
	}
}

// Step runs exactly one Idle -> Dispatching -> Idle iteration. The tick is
// read once; every due task is started and Step returns only after all of
// them have finished. Under FailFatal (or for errors wrapped with Fatal) the
// first failure is returned as *TaskFailure once the barrier is reached.
func (l *Loop) Step(ctx context.Context) (Result, error) {
	if !l.state.CompareAndSwap(int32(Idle), int32(Dispatching)) {
		return Result{}, ErrBusy
	}
	defer l.state.Store(int32(Idle))

	cfg := l.config()
	current := l.clock.Now()
	l.lastTick.Store(uint32(current))
	iter := l.iter.Add(1)
	res := Result{Iteration: iter, Tick: current, Started: time.Now()}

	due := l.reg.Due(current)

	var (
		mu     sync.Mutex
		failed []string
		g      errgroup.Group
	)
	for _, t := range due {
		res.Ran = append(res.Ran, t.ID())
		g.Go(func() error {
			err := l.dispatch(ctx, cfg, iter, current, t)
			if err == nil {
				return nil
			}
			mu.Lock()
			failed = append(failed, t.ID())
			mu.Unlock()
			if cfg.Policy == FailFatal || IsFatal(err) {
				return &TaskFailure{ID: t.ID(), Tick: current, Err: err}
			}
			return nil
		})
	}
	err := g.Wait()

	sort.Strings(res.Ran)
	sort.Strings(failed)
	res.Failed = failed
	res.Duration = time.Since(res.Started)

	if len(due) > 0 {
		l.log.Debug("iteration",
			logx.Uint64("iteration", res.Iteration),
			logx.Uint32("tick", uint32(current)),
			logx.Strs("ran", res.Ran),
			logx.Int("failed", len(failed)),
			logx.Duration("dur", res.Duration),
		)
	}
	l.publish(EventLoopIteration, time.Now(), IterationEvent{
		Iteration: res.Iteration,
		Tick:      current,
		Ran:       len(res.Ran),
		Failed:    len(failed),
		Duration:  res.Duration,
	})
	return res, err
}

// dispatch runs one task and returns its raw error.
func (l *Loop) dispatch(ctx context.Context, cfg Config, iter uint64, current tick.Tick, t *task.Task) error {
	start := time.Now()
	id := t.ID()
	l.log.Trace("task.started", logx.String("task", id), logx.Uint32("tick", uint32(current)))
	l.publish(EventTaskStarted, start, TaskEvent{ID: id, Iteration: iter, Tick: current, Started: start})

	err := t.Execute(ctx, l.clock)
	dur := time.Since(start)
	item := HistoryItem{ID: id, Iteration: iter, Tick: current, Started: start, Duration: dur}
	ev := TaskEvent{ID: id, Iteration: iter, Tick: current, Started: start, Duration: dur}

	if err == nil {
		ev.NextRun = t.NextRun()
		fields := []logx.Field{logx.String("task", id), logx.Duration("dur", dur), logx.Uint32("next_run", uint32(ev.NextRun))}
		if dur >= cfg.SlowTask {
			l.log.Info("task.finished", fields...)
		} else {
			l.log.Debug("task.finished", fields...)
		}
		l.publish(EventTaskFinished, time.Now(), ev)
		l.record(cfg, item)
		return nil
	}

	item.Error = err.Error()
	ev.Error = item.Error
	fields := []logx.Field{
		logx.String("task", id),
		logx.Err(err),
		logx.Duration("dur", dur),
		logx.Uint32("streak", t.ConsecutiveFailures()),
	}
	var pe *task.PanicError
	if errors.As(err, &pe) {
		fields = append(fields, logx.Stack(pe.Stack))
	}

	if cfg.Policy == FailContinue && !IsFatal(err) {
		delay := backoffDelay(cfg, int(t.ConsecutiveFailures()))
		next := l.clock.Add(l.clock.Now(), l.clock.DurationOf(delay))
		t.Defer(next)
		item.Retry = delay
		ev.NextRun = next
		l.log.Warn("task.failed", append(fields, logx.Duration("retry_in", delay))...)
	} else {
		ev.NextRun = t.NextRun()
		l.log.Error("task.failed", fields...)
	}
	l.publish(EventTaskFailed, time.Now(), ev)
	l.record(cfg, item)
	return err
}

// Invoke runs t once outside the iteration cycle and reports it like a
// scheduled run: the same task events and a history row. A failure is only
// returned to the caller; the failure policy and backoff do not apply.
func (l *Loop) Invoke(ctx context.Context, t *task.Task) error {
	start := time.Now()
	id := t.ID()
	iter := l.iter.Load()
	current := l.clock.Now()
	l.publish(EventTaskStarted, start, TaskEvent{ID: id, Iteration: iter, Tick: current, Started: start})

	err := t.Execute(ctx, l.clock)
	dur := time.Since(start)
	ev := TaskEvent{ID: id, Iteration: iter, Tick: current, Started: start, Duration: dur, NextRun: t.NextRun()}
	item := HistoryItem{ID: id, Iteration: iter, Tick: current, Started: start, Duration: dur}
	typ := EventTaskFinished
	if err != nil {
		ev.Error = err.Error()
		item.Error = ev.Error
		typ = EventTaskFailed
	}
	l.publish(typ, time.Now(), ev)
	l.record(l.config(), item)
	return err
}

// idle sleeps until the earliest task is due, at most IdleSleep, and returns
// early on Wake, Stop or ctx cancellation.
func (l *Loop) idle(ctx context.Context) {
	wait := l.nextWait(l.config().IdleSleep)
	if wait <= 0 {
		return
	}
	tmr := time.NewTimer(wait)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
	case <-l.wake:
	case <-tmr.C:
	}
}

func (l *Loop) nextWait(limit time.Duration) time.Duration {
	dist, ok := l.reg.Earliest(l.clock.Now())
	if !ok {
		return limit
	}
	if dist <= 0 {
		return 0
	}
	d := time.Duration(dist) * l.clock.Resolution()
	if d > limit {
		d = limit
	}
	return d
}

func (l *Loop) publish(typ string, at time.Time, data any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}

func (l *Loop) record(cfg Config, item HistoryItem) {
	l.hmu.Lock()
	l.history = append(l.history, item)
	if len(l.history) > cfg.HistorySize {
		l.history = l.history[len(l.history)-cfg.HistorySize:]
	}
	l.hmu.Unlock()
}

// History returns a copy of the bounded execution history, oldest first.
func (l *Loop) History() []HistoryItem {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	return append([]HistoryItem(nil), l.history...)
}

func (l *Loop) Snapshot() Snapshot {
	return Snapshot{
		State:      l.State(),
		Policy:     l.config().Policy,
		Iterations: l.iter.Load(),
		LastTick:   tick.Tick(l.lastTick.Load()),
		Stopping:   l.stopping.Load(),
		Tasks:      l.reg.Len(),
		History:    l.History(),
	}
}
