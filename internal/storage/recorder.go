package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"appletd/internal/eventbus"
	"appletd/internal/scheduler"
	logx "appletd/pkg/logx"
)

const recordTimeout = 2 * time.Second

// Recorder appends finished and failed task runs from the bus to a Store.
type Recorder struct {
	applet string
	store  Store
	bus    eventbus.Bus
	log    logx.Logger
	buffer int
}

func NewRecorder(applet string, store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{applet: applet, store: store, bus: bus, log: log.With(logx.String("comp", "recorder")), buffer: 256}
}

// Run consumes task events until ctx is done. Events dropped by the bus
// (slow store) are not recovered; the loop never waits on storage.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(r.buffer, scheduler.EventTaskFinished, scheduler.EventTaskFailed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			ev, ok := e.Data.(scheduler.TaskEvent)
			if !ok {
				continue
			}
			rec := RecordFromEvent(r.applet, ev)
			wctx, cancel := context.WithTimeout(ctx, recordTimeout)
			err := r.store.AppendRun(wctx, rec)
			cancel()
			if err != nil {
				r.log.Warn("run record append failed", logx.String("task", rec.TaskID), logx.Err(err))
			}
		}
	}
}

// RecordFromEvent builds a run record with a fresh run id.
func RecordFromEvent(applet string, ev scheduler.TaskEvent) RunRecord {
	return RunRecord{
		RunID:      uuid.NewString(),
		Applet:     applet,
		TaskID:     ev.ID,
		Iteration:  ev.Iteration,
		Tick:       uint32(ev.Tick),
		NextRun:    uint32(ev.NextRun),
		Started:    ev.Started,
		DurationMS: ev.Duration.Milliseconds(),
		OK:         ev.Error == "",
		Error:      ev.Error,
	}
}
