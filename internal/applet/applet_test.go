package applet

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"appletd/internal/eventbus"
	"appletd/internal/scheduler"
	"appletd/internal/task"
	"appletd/internal/tick"
)

func newTestApplet(t *testing.T) (*Applet, *tick.Manual) {
	t.Helper()
	src := tick.NewManual(0)
	return New("test", WithClock(tick.NewClock(src, tick.CircuitPythonBits))), src
}

func TestRegisterStacksOnOneWork(t *testing.T) {
	t.Parallel()
	a, _ := newTestApplet(t)
	var calls atomic.Int32
	work := func(ctx context.Context, args task.Args) error { calls.Add(1); return nil }

	a.Register(10000, WithID("solo"))(a.Register(5000, WithID("hello"))(work))

	if n := a.Registry().Len(); n != 2 {
		t.Fatalf("registered %d tasks, want 2", n)
	}
	res, err := a.Loop().Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ran) != 2 || calls.Load() != 2 {
		t.Fatalf("ran %v calls %d", res.Ran, calls.Load())
	}
}

func TestRegisterPanicsOnNilWork(t *testing.T) {
	t.Parallel()
	a, _ := newTestApplet(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	a.Register(10, WithID("x"))(nil)
}

func TestAddTaskRejectsOversizedInterval(t *testing.T) {
	t.Parallel()
	a, _ := newTestApplet(t)
	noop := func(ctx context.Context, args task.Args) error { return nil }
	if _, err := a.AddTask(noop, tick.Duration(a.Clock().Half()), WithID("x")); err == nil {
		t.Fatal("interval of half the period accepted")
	}
	d, err := a.Ticks(2 * time.Second)
	if err != nil || d != 2000 {
		t.Fatalf("Ticks(2s) = %d, %v", d, err)
	}
	if _, err := a.AddTask(noop, d, WithID("ping")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Ticks(100 * time.Hour); err == nil {
		t.Fatal("Ticks(100h) accepted on a 29-bit clock")
	}
}

func TestAddTaskBindsArgsAndKwargs(t *testing.T) {
	t.Parallel()
	a, _ := newTestApplet(t)
	var got atomic.Value
	id, err := a.AddTask(func(ctx context.Context, args task.Args) error {
		v, _ := args.Lookup("frequency")
		got.Store(v)
		return nil
	}, 100, WithKwargs(map[string]any{"frequency": 9001}))
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != task.IDLength {
		t.Fatalf("generated id %q", id)
	}
	if err := a.Invoke(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if got.Load() != 9001 {
		t.Fatalf("frequency = %v", got.Load())
	}
}

func TestRegisterAllAndRemove(t *testing.T) {
	t.Parallel()
	a, _ := newTestApplet(t)
	noop := func(ctx context.Context, args task.Args) error { return nil }
	err := a.RegisterAll([]Registration{
		{ID: "a", Interval: 10, Work: noop},
		{ID: "b", Interval: 0, Work: noop, Timeout: time.Second},
	})
	if err != nil {
		t.Fatal(err)
	}
	if info, err := a.Task("b"); err != nil || info.Timeout != time.Second {
		t.Fatalf("Task(b) = %+v, %v", info, err)
	}
	if err := a.RemoveTask("a"); err != nil {
		t.Fatal(err)
	}
	if err := a.RemoveTask("a"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("second remove = %v", err)
	}
	if _, err := a.Task("a"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Task(a) = %v", err)
	}

	err = a.RegisterAll([]Registration{{ID: "bad", Interval: 1}})
	if !errors.Is(err, task.ErrNilWork) {
		t.Fatalf("nil work row = %v", err)
	}
}

func TestReRegistrationOverwrites(t *testing.T) {
	t.Parallel()
	a, src := newTestApplet(t)
	var first, second atomic.Int32
	_, _ = a.AddTask(func(ctx context.Context, args task.Args) error { first.Add(1); return nil }, 10, WithID("job"))
	_, _ = a.Loop().Step(context.Background())

	_, _ = a.AddTask(func(ctx context.Context, args task.Args) error { second.Add(1); return nil }, 1000, WithID("job"))
	_, _ = a.Loop().Step(context.Background()) // replacement is due immediately
	src.Set(20)
	_, _ = a.Loop().Step(context.Background())

	if first.Load() != 1 || second.Load() != 1 {
		t.Fatalf("first=%d second=%d", first.Load(), second.Load())
	}
	if len(a.Tasks()) != 1 {
		t.Fatalf("tasks = %+v", a.Tasks())
	}
}

func TestInvokeUnknown(t *testing.T) {
	t.Parallel()
	a, _ := newTestApplet(t)
	if err := a.Invoke(context.Background(), "ghost"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Invoke = %v", err)
	}
}

func TestInvokePublishesTaskEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	src := tick.NewManual(0)
	a := New("test", WithClock(tick.NewClock(src, tick.CircuitPythonBits)), WithBus(bus))
	ch, unsub := bus.Subscribe(8, "task.")
	defer unsub()

	boom := errors.New("boom")
	_, _ = a.AddTask(func(ctx context.Context, args task.Args) error { return nil }, 500, WithID("ok"))
	_, _ = a.AddTask(func(ctx context.Context, args task.Args) error { return boom }, 0, WithID("bad"))

	src.Set(7)
	if err := a.Invoke(context.Background(), "ok"); err != nil {
		t.Fatal(err)
	}
	if err := a.Invoke(context.Background(), "bad"); !errors.Is(err, boom) {
		t.Fatalf("Invoke(bad) = %v", err)
	}

	want := []struct {
		typ, id, errText string
		next             tick.Tick
	}{
		{scheduler.EventTaskStarted, "ok", "", 0},
		{scheduler.EventTaskFinished, "ok", "", 507},
		{scheduler.EventTaskStarted, "bad", "", 0},
		{scheduler.EventTaskFailed, "bad", "boom", 0},
	}
	for i, w := range want {
		var e eventbus.Event
		select {
		case e = <-ch:
		case <-time.After(time.Second):
			t.Fatalf("event %d: none received", i)
		}
		ev, ok := e.Data.(scheduler.TaskEvent)
		if e.Type != w.typ || !ok || ev.ID != w.id || ev.Error != w.errText || ev.NextRun != w.next {
			t.Fatalf("event %d = %s %+v, want %s %s", i, e.Type, e.Data, w.typ, w.id)
		}
		if ev.Tick != 7 {
			t.Fatalf("event %d tick = %d, want 7", i, ev.Tick)
		}
	}

	hist := a.Loop().History()
	if len(hist) != 2 || hist[0].ID != "ok" || hist[1].Error != "boom" {
		t.Fatalf("history = %+v", hist)
	}
	// a manual failure is not deferred by the loop's backoff
	if info, _ := a.Task("bad"); info.NextRun != 0 {
		t.Fatalf("bad next run = %d", info.NextRun)
	}
}

func TestRunUntilStop(t *testing.T) {
	t.Parallel()
	a := New("live",
		WithClock(tick.NewClock(tick.NewMonotonic(0), tick.DefaultBits)),
		WithScheduler(scheduler.Config{IdleSleep: 5 * time.Millisecond}),
	)
	var calls atomic.Int32
	a.Register(2)(func(ctx context.Context, args task.Args) error {
		if calls.Add(1) == 2 {
			a.Stop()
		}
		return nil
	})
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}
