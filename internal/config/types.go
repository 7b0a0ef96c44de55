package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Config struct {
	Applet    AppletConfig    `json:"applet"`
	Tick      TickConfig      `json:"tick"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Tasks are bound to named actions of the applet and re-registered on
	// every reload (same id = overwrite).
	Tasks []TaskConfig `json:"tasks,omitempty"`

	Logging  LoggingConfig   `json:"logging"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Systemd  SystemdConfig   `json:"systemd"`
}

type AppletConfig struct {
	Name string `json:"name"`
	// Demo installs the built-in demo table in addition to configured tasks.
	Demo bool `json:"demo"`
}

// TickConfig describes the counter the loop reads.
//
// Bits is the counter width (8..32, default 32; CircuitPython uses 29).
// StartOffset starts the counter that many ticks past zero, which lets a
// deployment exercise rollover soon after start.
type TickConfig struct {
	Bits        uint   `json:"bits,omitempty"`
	StartOffset uint64 `json:"start_offset,omitempty"`
}

// SchedulerConfig controls the loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
//
// Defaults:
//   - failure_policy: "continue" ("fatal" ends the loop on the first task error)
//   - idle_sleep: "1s"
//   - history_size: 200
//   - retry_base: "500ms", retry_max_delay: "15s", retry_jitter: 0.2
//   - slow_task: "750ms"
type SchedulerConfig struct {
	FailurePolicy string  `json:"failure_policy,omitempty"`
	IdleSleep     string  `json:"idle_sleep,omitempty"`
	HistorySize   int     `json:"history_size,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	SlowTask      string  `json:"slow_task,omitempty"`
}

// TaskConfig declares one task.
//
// Example (YAML):
//
//	- id: ping
//	  action: contact
//	  interval: 2000
//	  args: ["*beep*"]
type TaskConfig struct {
	ID       string         `json:"id,omitempty"`
	Action   string         `json:"action"`
	Interval Interval       `json:"interval,omitempty"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
	Timeout  string         `json:"timeout,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos inside a task entry are
// caught on reload.
func (t *TaskConfig) UnmarshalJSON(b []byte) error {
	type plain TaskConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*t = TaskConfig(p)
	return nil
}

// Interval is the raw interval of a task: a tick count (2000), a Go duration
// ("2s"), HH:MM ("00:50") or "@every 2s". Numbers and strings are both
// accepted.
type Interval string

func (i *Interval) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*i = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*i = Interval(v)
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("interval must be a number or string: %w", err)
	}
	*i = Interval(n.String())
	return nil
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives remote log records ("-100123..." or "@channel").
	LogChatID string `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./appletd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Retention drops records older than this on startup ("0s" keeps all).
	Retention string `json:"retention,omitempty"`
}

// SystemdConfig controls sd_notify integration. Both flags are no-ops when
// the process is not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
