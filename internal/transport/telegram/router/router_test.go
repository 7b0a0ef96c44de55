package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"appletd/internal/scheduler"
	"appletd/internal/storage"
	"appletd/internal/task"
	kit "appletd/internal/transport"
	logx "appletd/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeApplet struct {
	mu      sync.Mutex
	invoked []string
	stopped bool
}

func (f *fakeApplet) Name() string { return "MyApp" }

func (f *fakeApplet) Tasks() []task.Info {
	return []task.Info{
		{ID: "ping", Interval: 2000, NextRun: 7000, Runs: 3},
		{ID: "listen", NextRun: 0},
	}
}

func (f *fakeApplet) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Iterations: 4, LastTick: 5000, Tasks: 2}
}

func (f *fakeApplet) Invoke(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, id)
	switch id {
	case "ping":
		return nil
	case "broken":
		return errors.New("boom")
	}
	return task.ErrNotFound
}

func (f *fakeApplet) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

type fakeJournal struct {
	mu    sync.Mutex
	audit []storage.AuditEntry
}

func (f *fakeJournal) Recent(_ context.Context, id string, limit int) ([]storage.RunRecord, error) {
	return []storage.RunRecord{{TaskID: "ping", Tick: 2000, OK: true, Started: time.Now()}}, nil
}

func (f *fakeJournal) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, e)
	return nil
}

const owner = 42

func newTestManager(journal Journal) (*CommandManager, *fakeAdapter, *fakeApplet) {
	ad := &fakeAdapter{}
	app := &fakeApplet{}
	m := NewCommandManager(logx.Nop(), ad, []int64{owner})
	m.SetCommands(context.Background(), AppletCommands(app, journal))
	return m, ad, app
}

func send(m *CommandManager, from int64, text string) {
	m.Handle(context.Background(), kit.Update{Message: &kit.Message{ChatID: 7, FromID: from, Text: text}})
}

func TestHandleCommands(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		from int64
		text string
		want string
	}{
		{name: "tasks", from: owner, text: "/tasks", want: "listen manual next=0"},
		{name: "tasks sorted with interval", from: owner, text: "/tasks@appletd_bot", want: "ping every 2000 next=7000 runs=3"},
		{name: "status", from: owner, text: "/status", want: "MyApp: idle, policy=fatal, iterations=4"},
		{name: "run ok", from: owner, text: "/run ping", want: "ping ok"},
		{name: "run failure", from: owner, text: "/run broken", want: "broken failed: boom"},
		{name: "run unknown", from: owner, text: "/run nope", want: "unknown task nope"},
		{name: "run usage", from: owner, text: "/run", want: "usage: /run <id>"},
		{name: "history disabled", from: owner, text: "/history", want: "run history is disabled"},
		{name: "help for everyone", from: 1, text: "/help", want: "/run <id> - run a task now (owner)"},
		{name: "owner only", from: 1, text: "/tasks", want: "unauthorized"},
		{name: "unknown", from: owner, text: "/launch", want: "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, ad, _ := newTestManager(nil)
			send(m, tt.from, tt.text)
			if got := ad.last(); !strings.Contains(got, tt.want) {
				t.Fatalf("%s -> %q, want substring %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestPlainTextIgnored(t *testing.T) {
	t.Parallel()
	m, ad, _ := newTestManager(nil)
	send(m, owner, "ground control to major tom")
	if len(ad.sent) != 0 {
		t.Fatalf("replied to plain text: %v", ad.sent)
	}
}

func TestStopAndRunAreAudited(t *testing.T) {
	t.Parallel()
	j := &fakeJournal{}
	m, ad, app := newTestManager(j)

	send(m, owner, "/run broken")
	send(m, owner, "/stop")
	if !app.stopped {
		t.Fatal("/stop did not stop the applet")
	}
	if len(j.audit) != 2 {
		t.Fatalf("audit = %+v", j.audit)
	}
	if a := j.audit[0]; a.Action != "run" || a.Target != "broken" || a.OK || a.Error != "boom" || a.ActorID != owner {
		t.Fatalf("run audit = %+v", a)
	}
	if a := j.audit[1]; a.Action != "stop" || !a.OK {
		t.Fatalf("stop audit = %+v", a)
	}

	send(m, owner, "/history ping")
	if got := ad.last(); !strings.Contains(got, "ping tick=2000") {
		t.Fatalf("history = %q", got)
	}
}

func TestSetOwners(t *testing.T) {
	t.Parallel()
	m, ad, app := newTestManager(nil)
	m.SetOwners([]int64{99})
	send(m, owner, "/stop")
	if app.stopped || ad.last() != "unauthorized" {
		t.Fatalf("old owner still accepted: %q", ad.last())
	}
	send(m, 99, "/stop")
	if !app.stopped {
		t.Fatal("new owner rejected")
	}
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()
	m, ad, app := newTestManager(nil)
	updates := make(chan kit.Update, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.DispatchLoop(ctx, updates) }()

	updates <- kit.Update{Message: &kit.Message{ChatID: 7, FromID: owner, Text: "/run ping"}}
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(ad.last(), "ping ok") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	app.mu.Lock()
	defer app.mu.Unlock()
	if len(app.invoked) != 1 || app.invoked[0] != "ping" {
		t.Fatalf("invoked = %v", app.invoked)
	}
}
