package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string found at path. Empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Validate checks the sections that can be checked without the running
// applet. Action names are resolved later, against the applet's catalogue.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if b := cfg.Tick.Bits; b != 0 && (b < 8 || b > 32) {
		return fmt.Errorf("tick.bits: must be between 8 and 32, got %d", b)
	}

	s := cfg.Scheduler
	switch strings.TrimSpace(s.FailurePolicy) {
	case "", "continue", "fatal":
	default:
		return fmt.Errorf("scheduler.failure_policy: unknown policy %q (use continue or fatal)", s.FailurePolicy)
	}
	for path, raw := range map[string]string{
		"scheduler.idle_sleep":      s.IdleSleep,
		"scheduler.retry_base":      s.RetryBase,
		"scheduler.retry_max_delay": s.RetryMaxDelay,
		"scheduler.slow_task":       s.SlowTask,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if s.HistorySize < 0 {
		return fmt.Errorf("scheduler.history_size: must be >= 0")
	}
	if s.RetryJitter < 0 || s.RetryJitter > 1 {
		return fmt.Errorf("scheduler.retry_jitter: must be within [0, 1]")
	}

	seen := map[string]int{}
	for i, t := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if strings.TrimSpace(t.Action) == "" {
			return fmt.Errorf("%s.action: required", path)
		}
		if _, err := ParseInterval(string(t.Interval)); err != nil {
			return fmt.Errorf("%s.interval: %w", path, err)
		}
		if _, err := ParseDurationField(path+".timeout", t.Timeout); err != nil {
			return err
		}
		if id := strings.TrimSpace(t.ID); id != "" {
			if j, dup := seen[id]; dup {
				return fmt.Errorf("%s.id: %q already declared by tasks[%d]", path, id, j)
			}
			seen[id] = i
		}
	}

	if tg := cfg.Telegram; tg != nil {
		if strings.TrimSpace(tg.Token) == "" {
			return fmt.Errorf("telegram.token: required when the telegram section is present")
		}
		if _, err := ParseDurationField("telegram.poll_timeout", tg.PollTimeout); err != nil {
			return err
		}
	}
	if cfg.Logging.Telegram.Enabled && (cfg.Telegram == nil || strings.TrimSpace(cfg.Telegram.LogChatID) == "") {
		return fmt.Errorf("logging.telegram.enabled: requires telegram.log_chat_id")
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path: required when file logging is enabled")
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q (use file or sqlite)", st.Driver)
		}
		if strings.TrimSpace(st.Path) == "" {
			return fmt.Errorf("storage.path: required")
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("storage.retention", st.Retention); err != nil {
			return err
		}
	}
	return nil
}
