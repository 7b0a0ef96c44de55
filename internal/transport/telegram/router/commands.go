package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"appletd/internal/scheduler"
	"appletd/internal/storage"
	"appletd/internal/task"
	logx "appletd/pkg/logx"
)

// AppletPort is what the commands drive.
type AppletPort interface {
	Name() string
	Tasks() []task.Info
	Snapshot() scheduler.Snapshot
	Invoke(ctx context.Context, id string) error
	Stop()
}

// Journal is the optional run history and audit trail.
type Journal interface {
	Recent(ctx context.Context, taskID string, limit int) ([]storage.RunRecord, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

const historyLimit = 10

// AppletCommands builds /tasks, /status, /run, /stop and /history. journal
// may be nil.
func AppletCommands(app AppletPort, journal Journal) []Command {
	audit := func(ctx context.Context, req *Request, action, target string, err error) {
		if journal == nil {
			return
		}
		e := storage.AuditEntry{
			At:            time.Now(),
			ActorID:       req.FromID,
			ActorUsername: req.FromUsername,
			ChatID:        req.Chat.ChatID,
			Action:        action,
			Target:        target,
			OK:            err == nil,
		}
		if err != nil {
			e.Error = err.Error()
		}
		if aerr := journal.AppendAudit(ctx, e); aerr != nil {
			req.Logger.Warn("audit append failed", logx.Err(aerr))
		}
	}

	return []Command{
		{
			Name:        "tasks",
			Description: "list registered tasks",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, formatTasks(app.Name(), app.Tasks()))
			},
		},
		{
			Name:        "status",
			Description: "loop state",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, formatStatus(app.Name(), app.Snapshot()))
			},
		},
		{
			Name:        "run",
			Description: "run a task now",
			Usage:       "/run <id>",
			Access:      AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return req.Reply(ctx, "usage: /run <id>")
				}
				id := req.Args[0]
				start := time.Now()
				err := app.Invoke(ctx, id)
				audit(ctx, req, "run", id, err)
				switch {
				case errors.Is(err, task.ErrNotFound):
					return req.Reply(ctx, "unknown task "+id)
				case err != nil:
					return req.Reply(ctx, fmt.Sprintf("%s failed: %v", id, err))
				}
				return req.Reply(ctx, fmt.Sprintf("%s ok (%s)", id, time.Since(start).Round(time.Millisecond)))
			},
		},
		{
			Name:        "stop",
			Description: "stop the loop after the current iteration",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				app.Stop()
				audit(ctx, req, "stop", app.Name(), nil)
				return req.Reply(ctx, "stopping "+app.Name())
			},
		},
		{
			Name:        "history",
			Description: "recent runs",
			Usage:       "/history [id]",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				if journal == nil {
					return req.Reply(ctx, "run history is disabled (no storage configured)")
				}
				id := ""
				if len(req.Args) > 0 {
					id = req.Args[0]
				}
				recs, err := journal.Recent(ctx, id, historyLimit)
				if err != nil {
					return err
				}
				return req.Reply(ctx, formatHistory(recs))
			},
		},
	}
}

func formatTasks(name string, infos []task.Info) string {
	if len(infos) == 0 {
		return name + ": no tasks"
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d tasks\n", name, len(infos))
	for _, in := range infos {
		every := "manual"
		if in.Interval > 0 {
			every = fmt.Sprintf("every %d", in.Interval)
		}
		fmt.Fprintf(&b, "%s %s next=%d runs=%d failures=%d\n", in.ID, every, in.NextRun, in.Runs, in.Failures)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatStatus(name string, s scheduler.Snapshot) string {
	state := s.State.String()
	if s.Stopping {
		state += " (stopping)"
	}
	return fmt.Sprintf("%s: %s, policy=%s, iterations=%d, last_tick=%d, tasks=%d",
		name, state, s.Policy, s.Iterations, s.LastTick, s.Tasks)
}

func formatHistory(recs []storage.RunRecord) string {
	if len(recs) == 0 {
		return "no runs recorded"
	}
	var b strings.Builder
	for _, r := range recs {
		res := "ok"
		if !r.OK {
			res = "failed: " + r.Error
		}
		fmt.Fprintf(&b, "%s %s tick=%d %dms %s\n", r.Started.Format("15:04:05"), r.TaskID, r.Tick, r.DurationMS, res)
	}
	return strings.TrimRight(b.String(), "\n")
}
