package app

import (
	"strings"
	"time"

	"appletd/internal/config"
	"appletd/internal/scheduler"
	"appletd/internal/storage"
	"appletd/internal/tick"
	logx "appletd/pkg/logx"
)

// mapStorageConfig returns the store config and retention window; enabled is
// false when no storage section is present.
func mapStorageConfig(cfg *config.Config) (sc storage.Config, retention time.Duration, enabled bool, err error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, 0, false, nil
	}
	st := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(st.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, 0, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", st.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	retention, err = config.ParseDurationField("storage.retention", st.Retention)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(st.Path), BusyTimeout: busy}, retention, true, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	policy, ok := scheduler.ParsePolicy(s.FailurePolicy)
	if !ok {
		policy = scheduler.FailContinue
	}
	out := scheduler.Config{
		Policy:      policy,
		HistorySize: s.HistorySize,
		RetryJitter: s.RetryJitter,
	}
	var err error
	if out.IdleSleep, err = config.ParseDurationField("scheduler.idle_sleep", s.IdleSleep); err != nil {
		return scheduler.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("scheduler.retry_base", s.RetryBase); err != nil {
		return scheduler.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("scheduler.retry_max_delay", s.RetryMaxDelay); err != nil {
		return scheduler.Config{}, err
	}
	if out.SlowTask, err = config.ParseDurationField("scheduler.slow_task", s.SlowTask); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Remote: logx.RemoteConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram != nil,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// newClock builds the tick clock. A nil src means the monotonic millisecond
// counter, started StartOffset ticks in.
func newClock(cfg *config.Config, src tick.Source) *tick.Clock {
	if src == nil {
		src = tick.NewMonotonic(cfg.Tick.StartOffset)
	}
	return tick.NewClock(src, cfg.Tick.Bits)
}
