// Package majortom is the demo applet: a handful of tasks that print to a
// writer, covering generated ids, bound positional arguments, keyword
// arguments and one work registered under several identifiers.
package majortom

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"appletd/internal/applet"
	"appletd/internal/task"
	"appletd/internal/tick"
)

// Name is the applet name used by cmd/appletd.
const Name = "MyApp"

// DefaultInterval applies to rows that do not set one.
const DefaultInterval tick.Duration = 10000

// Action names exposed to config-declared tasks.
const (
	ActionMajorTom   = "major_tom"
	ActionContact    = "contact"
	ActionGuitarSolo = "guitar_solo"
)

// Actions returns the work catalogue writing to w. Writes are serialized so
// concurrently dispatched tasks do not interleave lines.
func Actions(w io.Writer) map[string]task.Work {
	lw := &lockedWriter{w: w}
	return map[string]task.Work{
		ActionMajorTom: func(ctx context.Context, a task.Args) error {
			return lw.lines("Ground control to Major Tom!")
		},
		ActionContact: func(ctx context.Context, a task.Args) error {
			return lw.lines(contact(a)...)
		},
		ActionGuitarSolo: func(ctx context.Context, a task.Args) error {
			return lw.lines("[wailing guitar solo from space]")
		},
	}
}

// contact echoes its arguments and answers ground control.
func contact(a task.Args) []string {
	var out []string
	for i := range a.Pos {
		out = append(out, a.String(i))
	}
	keys := make([]string, 0, len(a.Kw))
	for k := range a.Kw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, fmt.Sprint(k, " ", a.Kw[k]))
	}
	if len(a.Pos) > 0 {
		if a.String(0) == "*beep*" {
			out = append(out, "*boop*")
		} else {
			out = append(out, "We read you ground control!")
		}
	}
	return out
}

// Table is the applet's registration table.
func Table(w io.Writer) []applet.Registration { return Rows(Actions(w)) }

// Rows builds the registration table from an existing catalogue.
func Rows(act map[string]task.Work) []applet.Registration {
	const call = "Can you hear me Major Tom?"
	return []applet.Registration{
		{Interval: DefaultInterval, Work: act[ActionMajorTom]},
		{ID: "ping", Interval: 2000, Work: act[ActionContact], Args: []any{"*beep*"}},
		{ID: "hello", Interval: 5000, Work: act[ActionContact], Args: []any{call, call}},
		{ID: "listen", Interval: DefaultInterval, Work: act[ActionContact], Kwargs: map[string]any{"frequency": 9001}},
		{Interval: 10000, Work: act[ActionGuitarSolo]},
	}
}

// Install registers the table on a.
func Install(a *applet.Applet, w io.Writer) error {
	return a.RegisterAll(Table(w))
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) lines(s ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range s {
		if _, err := fmt.Fprintln(l.w, line); err != nil {
			return err
		}
	}
	return nil
}
