package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"appletd/internal/applet"
	"appletd/internal/applets/majortom"
	"appletd/internal/config"
	"appletd/internal/scheduler"
	"appletd/internal/storage"
	"appletd/internal/task"
	"appletd/internal/tick"
	logx "appletd/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("radio silence") }

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

const baseConfig = `
applet:
  name: MyApp
  demo: %DEMO%
scheduler:
  failure_policy: %POLICY%
  idle_sleep: 10ms
logging:
  level: error
`

func newConfig(demo, policy string) string {
	return strings.NewReplacer("%DEMO%", demo, "%POLICY%", policy).Replace(baseConfig)
}

func TestAppRunsDemoAndConfigTasks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "appletd.yaml")
	writeConfig(t, path, newConfig("true", "continue")+`
tasks:
  - id: relay
    action: contact
    interval: 2s
    args: ["Ground control?"]
storage:
  driver: file
  path: `+filepath.Join(dir, "runs.store")+`
`)

	out := &syncBuffer{}
	a, err := NewApp(path, WithOutput(out), WithTickSource(tick.NewManual(0)))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if n := len(a.Applet().Tasks()); n != 6 {
		t.Fatalf("tasks = %d, want 6", n)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopApp(t, a)

	eventually(t, "every task to run once", func() bool {
		s := out.String()
		return strings.Contains(s, "*boop*") &&
			strings.Contains(s, "Ground control?") &&
			strings.Contains(s, "frequency 9001") &&
			strings.Contains(s, "[wailing guitar solo from space]")
	})
	eventually(t, "run records", func() bool {
		recs, err := a.store.Recent(context.Background(), "", 20)
		return err == nil && len(recs) == 6
	})
	recs, _ := a.store.Recent(context.Background(), "relay", 5)
	if len(recs) != 1 || !recs[0].OK || recs[0].Applet != "MyApp" {
		t.Fatalf("relay records = %+v", recs)
	}
}

func TestAppLoopStopEndsApp(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "appletd.yaml")
	writeConfig(t, path, newConfig("true", "continue"))

	a, err := NewApp(path, WithOutput(&syncBuffer{}), WithTickSource(tick.NewManual(0)))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	a.Applet().Stop()
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("app still running after loop stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
	stopApp(t, a)
}

func TestAppFatalPolicyEndsWithError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "appletd.yaml")
	writeConfig(t, path, newConfig("false", "fatal")+`
tasks:
  - id: ping
    action: contact
    interval: 2000
    args: ["*beep*"]
`)

	a, err := NewApp(path, WithOutput(brokenWriter{}), WithTickSource(tick.NewManual(0)))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("fatal failure did not stop the app")
	}
	var tf *scheduler.TaskFailure
	if err := a.Err(); !errors.As(err, &tf) || tf.ID != "ping" {
		t.Fatalf("Err = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(ctx, StopFatalError)
}

func TestAppReloadSyncsTasks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "appletd.yaml")
	base := newConfig("false", "continue")
	writeConfig(t, path, base+`
tasks:
  - action: major_tom
    interval: 10000
  - id: relay
    action: contact
    interval: 2000
`)

	a, err := NewApp(path, WithOutput(&syncBuffer{}), WithTickSource(tick.NewManual(0)))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopApp(t, a)

	a.tasksMu.Lock()
	generated := a.tasks["#0"].id
	a.tasksMu.Unlock()
	if len(generated) != 12 {
		t.Fatalf("generated id %q", generated)
	}
	time.Sleep(100 * time.Millisecond) // let the watcher settle

	writeConfig(t, path, base+`
tasks:
  - action: major_tom
    interval: 10000
  - id: beacon
    action: guitar_solo
    interval: 5s
`)
	has := func(id string) bool {
		_, err := a.Applet().Task(id)
		return err == nil
	}
	eventually(t, "reloaded task set", func() bool { return has("beacon") && !has("relay") })
	if !has(generated) {
		t.Fatalf("unchanged id-less task lost its id %q", generated)
	}
	if n := len(a.Applet().Tasks()); n != 2 {
		t.Fatalf("tasks = %d, want 2", n)
	}
}

func TestBindTasks(t *testing.T) {
	t.Parallel()
	clock := tick.NewClock(tick.NewManual(0), tick.CircuitPythonBits)
	cat := majortom.Actions(&syncBuffer{})

	got, err := bindTasks(clock, cat, []config.TaskConfig{
		{ID: "ping", Action: "contact", Interval: "2000", Args: []any{"*beep*"}, Timeout: "1s"},
		{Action: "major_tom", Interval: "@every 10s"},
		{ID: "off", Action: "contact", Interval: "1s", Disabled: true},
		{Action: "guitar_solo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("bound %d tasks", len(got))
	}
	if got[0].key != "ping" || got[0].reg.Interval != 2000 || got[0].reg.Timeout != time.Second {
		t.Fatalf("ping = %+v", got[0])
	}
	if got[1].key != "#1" || got[1].reg.Interval != 10000 {
		t.Fatalf("@every = %+v", got[1])
	}
	if got[2].key != "#3" || got[2].reg.Interval != 0 {
		t.Fatalf("manual = %+v", got[2])
	}

	bad := []struct {
		name string
		task config.TaskConfig
	}{
		{name: "unknown action", task: config.TaskConfig{Action: "launch"}},
		{name: "bad interval", task: config.TaskConfig{Action: "contact", Interval: "soon"}},
		{name: "interval beyond half period", task: config.TaskConfig{Action: "contact", Interval: "300000000"}},
		{name: "bad timeout", task: config.TaskConfig{Action: "contact", Timeout: "forever"}},
	}
	for _, tt := range bad {
		if _, err := bindTasks(clock, cat, []config.TaskConfig{tt.task}); err == nil {
			t.Fatalf("%s: accepted", tt.name)
		}
	}
}

func TestSyncTasksKeepsUnchangedSchedule(t *testing.T) {
	t.Parallel()
	src := tick.NewManual(0)
	clock := tick.NewClock(src, tick.DefaultBits)
	ap := applet.New("MyApp", applet.WithClock(clock))
	cat := majortom.Actions(&syncBuffer{})

	cfgs := []config.TaskConfig{
		{ID: "ping", Action: "contact", Interval: "2000"},
		{ID: "hello", Action: "contact", Interval: "5000"},
	}
	want, err := bindTasks(clock, cat, cfgs)
	if err != nil {
		t.Fatal(err)
	}
	set, err := syncTasks(ap, nil, want)
	if err != nil {
		t.Fatal(err)
	}

	// ping ran at 0 and is due again at 2000
	if err := ap.Invoke(context.Background(), "ping"); err != nil {
		t.Fatal(err)
	}
	src.Set(500)

	cfgs[1].Interval = "7000"
	want, _ = bindTasks(clock, cat, cfgs[:2])
	if set, err = syncTasks(ap, set, want); err != nil {
		t.Fatal(err)
	}
	ping, _ := ap.Task("ping")
	hello, _ := ap.Task("hello")
	if ping.NextRun != 2000 {
		t.Fatalf("unchanged ping re-armed: next=%d", ping.NextRun)
	}
	if hello.Interval != 7000 || hello.NextRun != 500 {
		t.Fatalf("changed hello = %+v", hello)
	}

	want, _ = bindTasks(clock, cat, cfgs[:1])
	if _, err := syncTasks(ap, set, want); err != nil {
		t.Fatal(err)
	}
	if _, err := ap.Task("hello"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("hello still registered: %v", err)
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Scheduler: config.SchedulerConfig{
		FailurePolicy: "fatal",
		IdleSleep:     "250ms",
		RetryBase:     "1s",
		RetryMaxDelay: "30s",
		RetryJitter:   0.5,
	}}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Policy != scheduler.FailFatal || sc.IdleSleep != 250*time.Millisecond || sc.RetryBase != time.Second || sc.RetryMaxDelay != 30*time.Second || sc.RetryJitter != 0.5 {
		t.Fatalf("mapped = %+v", sc)
	}

	cfg.Scheduler = config.SchedulerConfig{}
	if sc, _ = mapSchedulerConfig(cfg); sc.Policy != scheduler.FailContinue {
		t.Fatalf("default policy = %v", sc.Policy)
	}
	cfg.Scheduler.IdleSleep = "soon"
	if _, err := mapSchedulerConfig(cfg); err == nil {
		t.Fatal("bad duration accepted")
	}
}

type pruneCounter struct {
	storage.Store
	mu      sync.Mutex
	cutoffs []time.Time
}

func (p *pruneCounter) Prune(_ context.Context, cutoff time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, cutoff)
	return 1, nil
}

func (p *pruneCounter) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cutoffs)
}

func TestPruneRunsPeriodically(t *testing.T) {
	t.Parallel()
	store := &pruneCounter{}
	a := &App{log: logx.Nop(), store: store, retention: 24 * time.Hour, pruneEvery: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.prune(ctx) }()

	eventually(t, "repeated prunes", func() bool { return store.calls() >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("prune: %v", err)
	}
	store.mu.Lock()
	first := store.cutoffs[0]
	store.mu.Unlock()
	if age := time.Since(first); age < 24*time.Hour || age > 25*time.Hour {
		t.Fatalf("cutoff %v is not one retention ago", first)
	}
}

func TestPruneInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{retention: time.Minute, want: time.Minute},
		{retention: 2 * time.Hour, want: 30 * time.Minute},
		{retention: 720 * time.Hour, want: time.Hour},
	}
	for _, tt := range tests {
		if got := pruneInterval(tt.retention); got != tt.want {
			t.Fatalf("pruneInterval(%v) = %v, want %v", tt.retention, got, tt.want)
		}
	}
}
