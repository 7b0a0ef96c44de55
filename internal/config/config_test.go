package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
applet:
  name: MyApp
  demo: true
tick:
  bits: 29
scheduler:
  failure_policy: continue
  idle_sleep: 250ms
tasks:
  - id: ping
    action: contact
    interval: 2000
    args: ["*beep*"]
  - id: listen
    action: contact
    interval: "@every 10s"
    kwargs:
      frequency: 9001
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./appletd.db
systemd:
  notify: true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "appletd.yaml", sampleYAML)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Applet.Name != "MyApp" || !cfg.Applet.Demo || cfg.Tick.Bits != 29 {
		t.Fatalf("unexpected applet/tick: %+v %+v", cfg.Applet, cfg.Tick)
	}
	if len(cfg.Tasks) != 2 || cfg.Tasks[0].Interval != "2000" || cfg.Tasks[1].Interval != "@every 10s" {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if v := cfg.Tasks[1].Kwargs["frequency"]; v != float64(9001) {
		t.Fatalf("kwargs frequency = %#v", v)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" || !cfg.Systemd.Notify {
		t.Fatalf("storage/systemd = %+v %+v", cfg.Storage, cfg.Systemd)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"top level": `{"applet": {"name": "x"}, "plugins": {}}`,
		"task":      `{"tasks": [{"action": "contact", "every": "2s"}]}`,
		"trailing":  `{"applet": {"name": "x"}} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode("c.json", []byte(body)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bits", cfg: Config{Tick: TickConfig{Bits: 40}}, want: "tick.bits"},
		{name: "policy", cfg: Config{Scheduler: SchedulerConfig{FailurePolicy: "explode"}}, want: "scheduler.failure_policy"},
		{name: "duration", cfg: Config{Scheduler: SchedulerConfig{IdleSleep: "soon"}}, want: "scheduler.idle_sleep"},
		{name: "jitter", cfg: Config{Scheduler: SchedulerConfig{RetryJitter: 2}}, want: "scheduler.retry_jitter"},
		{name: "action", cfg: Config{Tasks: []TaskConfig{{ID: "x"}}}, want: "tasks[0].action"},
		{name: "interval", cfg: Config{Tasks: []TaskConfig{{Action: "a", Interval: "later"}}}, want: "tasks[0].interval"},
		{name: "duplicate id", cfg: Config{Tasks: []TaskConfig{{ID: "p", Action: "a"}, {ID: "p", Action: "b"}}}, want: "tasks[1].id"},
		{name: "storage driver", cfg: Config{Storage: &StorageConfig{Driver: "redis", Path: "x"}}, want: "storage.driver"},
		{name: "telegram token", cfg: Config{Telegram: &TelegramConfig{}}, want: "telegram.token"},
		{name: "remote log chat", cfg: Config{Logging: LoggingConfig{Telegram: LoggingTelegram{Enabled: true}}}, want: "logging.telegram"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("empty config rejected: %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Scheduler: SchedulerConfig{IdleSleep: "1s"},
		Tasks:     []TaskConfig{{ID: "ping", Action: "contact", Interval: "2000"}, {ID: "hello", Action: "contact"}},
		Telegram:  &TelegramConfig{Token: "secret"},
	}
	newCfg := &Config{
		Scheduler: SchedulerConfig{IdleSleep: "2s"},
		Tasks:     []TaskConfig{{ID: "ping", Action: "contact", Interval: "3000"}, {ID: "hello", Action: "contact"}, {ID: "solo", Action: "guitar_solo"}},
		Telegram:  &TelegramConfig{Token: "secret2"},
	}
	changed, attrs, tasks := SummarizeChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"scheduler", "tasks", "telegram"}) {
		t.Fatalf("changed = %v", changed)
	}
	if !slices.Equal(tasks, []string{"ping", "solo"}) {
		t.Fatalf("tasks = %v", tasks)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if c, _, _ := SummarizeChange(newCfg, newCfg); len(c) != 0 {
		t.Fatalf("identical configs reported %v", c)
	}
}

func TestWatchPublishesValidReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "appletd.json", `{"applet": {"name": "one"}}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = m.Watch(ctx); close(done) }()
	time.Sleep(100 * time.Millisecond)

	// invalid content is rejected, then a valid change is published
	writeFile(t, dir, "appletd.json", `{"tick": {"bits": 99}}`)
	time.Sleep(400 * time.Millisecond)
	writeFile(t, dir, "appletd.json", `{"applet": {"name": "two"}}`)

	select {
	case cfg := <-sub:
		if cfg.Applet.Name != "two" {
			t.Fatalf("published %+v", cfg.Applet)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	if m.Get().Applet.Name != "two" {
		t.Fatalf("committed %+v", m.Get().Applet)
	}
	cancel()
	<-done
}
