package config

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	logx "appletd/pkg/logx"
)

// SummarizeChange returns (1) the sorted list of changed sections, (2) safe
// attrs for logging (never the bot token) and (3) the ids of declared tasks
// that were added, removed or changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Applet != newCfg.Applet {
		changed = append(changed, "applet")
		attrs = append(attrs, logx.String("applet.name", newCfg.Applet.Name), logx.Bool("applet.demo", newCfg.Applet.Demo))
	}

	// The tick width is fixed for the process lifetime; surface it so the
	// operator sees that a restart is required.
	if oldCfg.Tick != newCfg.Tick {
		changed = append(changed, "tick")
		attrs = append(attrs, logx.Int("tick.bits", int(newCfg.Tick.Bits)), logx.Bool("tick.restart_required", true))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.String("scheduler.failure_policy", s.FailurePolicy),
			logx.String("scheduler.idle_sleep", s.IdleSleep),
			logx.String("scheduler.retry_base", s.RetryBase),
			logx.String("scheduler.retry_max_delay", s.RetryMaxDelay),
		)
	}

	taskChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(taskChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(taskChanged)),
			logx.Int("tasks.declared", len(newCfg.Tasks)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oT, nT := derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)
	if (oldCfg.Telegram == nil) != (newCfg.Telegram == nil) || !reflect.DeepEqual(oT, nT) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.present", newCfg.Telegram != nil),
			logx.Bool("telegram.token_changed", oT.Token != nT.Token),
			logx.Int("telegram.owner_count", len(nT.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(nT.LogChatID) != ""),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify), logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog))
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// diffTasks compares declared tasks by id. Tasks without an id are keyed by
// position, since each reload generates a fresh id for them anyway.
func diffTasks(oldT, newT []TaskConfig) []string {
	key := func(i int, t TaskConfig) string {
		if id := strings.TrimSpace(t.ID); id != "" {
			return id
		}
		return "#" + strconv.Itoa(i)
	}
	oldM := make(map[string]TaskConfig, len(oldT))
	for i, t := range oldT {
		oldM[key(i, t)] = t
	}
	newM := make(map[string]TaskConfig, len(newT))
	for i, t := range newT {
		newM[key(i, t)] = t
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		o, inOld := oldM[k]
		n, inNew := newM[k]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
