package app

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"appletd/internal/applet"
	"appletd/internal/config"
	"appletd/internal/task"
	"appletd/internal/tick"
)

// declared is one config task bound to the catalogue.
type declared struct {
	key string // id, or "#<index>" when the entry has none
	cfg config.TaskConfig
	reg applet.Registration
}

// bindTasks resolves config tasks against the action catalogue. Disabled
// entries are skipped.
func bindTasks(clock *tick.Clock, catalogue map[string]task.Work, tasks []config.TaskConfig) ([]declared, error) {
	out := make([]declared, 0, len(tasks))
	for i, t := range tasks {
		if t.Disabled {
			continue
		}
		path := fmt.Sprintf("tasks[%d]", i)
		action := strings.TrimSpace(t.Action)
		work, ok := catalogue[action]
		if !ok {
			return nil, fmt.Errorf("%s.action: unknown action %q", path, t.Action)
		}
		p, err := config.ParseInterval(string(t.Interval))
		if err != nil {
			return nil, fmt.Errorf("%s.interval: %w", path, err)
		}
		interval, err := p.Resolve(clock)
		if err != nil {
			return nil, fmt.Errorf("%s.interval: %w", path, err)
		}
		timeout, err := config.ParseDurationField(path+".timeout", t.Timeout)
		if err != nil {
			return nil, err
		}
		id := strings.TrimSpace(t.ID)
		key := id
		if key == "" {
			key = "#" + strconv.Itoa(i)
		}
		out = append(out, declared{
			key: key,
			cfg: t,
			reg: applet.Registration{
				ID:       id,
				Interval: interval,
				Work:     work,
				Args:     t.Args,
				Kwargs:   t.Kwargs,
				Timeout:  timeout,
			},
		})
	}
	return out, nil
}

// taskSet tracks what the config registered, by key.
type taskSet map[string]registered

type registered struct {
	id  string
	cfg config.TaskConfig
}

// syncTasks brings the applet in line with want: new and changed entries are
// (re)registered, unchanged ones keep their schedule, and entries no longer
// declared are removed. Entries without an id keep the id generated for them
// on first registration.
func syncTasks(a *applet.Applet, prev taskSet, want []declared) (taskSet, error) {
	next := make(taskSet, len(want))
	var errs []error
	for _, d := range want {
		old, had := prev[d.key]
		if had && reflect.DeepEqual(old.cfg, d.cfg) {
			if _, err := a.Task(old.id); err == nil {
				next[d.key] = old
				continue
			}
		}
		r := d.reg
		if r.ID == "" && had {
			r.ID = old.id
		}
		id, err := a.AddTask(r.Work, r.Interval,
			applet.WithID(r.ID),
			applet.WithArgs(r.Args...),
			applet.WithKwargs(r.Kwargs),
			applet.WithTimeout(r.Timeout),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", d.key, err))
			continue
		}
		next[d.key] = registered{id: id, cfg: d.cfg}
	}

	live := make(map[string]bool, len(next))
	for _, r := range next {
		live[r.id] = true
	}
	for _, r := range prev {
		if live[r.id] {
			continue
		}
		if err := a.RemoveTask(r.id); err != nil && !errors.Is(err, task.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return next, errors.Join(errs...)
}
