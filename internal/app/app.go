package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"appletd/internal/applet"
	"appletd/internal/applets/majortom"
	"appletd/internal/config"
	"appletd/internal/eventbus"
	"appletd/internal/runtime/supervisor"
	"appletd/internal/scheduler"
	"appletd/internal/storage"
	"appletd/internal/task"
	"appletd/internal/tick"
	kit "appletd/internal/transport"
	telegram "appletd/internal/transport/telegram/adapter"
	"appletd/internal/transport/telegram/router"
	logx "appletd/pkg/logx"
	"appletd/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store      storage.Store
	retention  time.Duration
	pruneEvery time.Duration

	clock     *tick.Clock
	applet    *applet.Applet
	catalogue map[string]task.Work

	tasksMu sync.Mutex
	tasks   taskSet

	adapter *telegram.Adapter
	cmdm    *router.CommandManager
	updates chan kit.Update

	sd       *systemd.Notifier
	lastIter atomic.Uint64
	stopOnce sync.Once
}

type options struct {
	out    io.Writer
	source tick.Source
}

type Option func(*options)

// WithOutput sets where the demo actions write (default stdout).
func WithOutput(w io.Writer) Option { return func(o *options) { o.out = w } }

// WithTickSource replaces the monotonic counter, e.g. with tick.Manual.
func WithTickSource(src tick.Source) Option { return func(o *options) { o.source = src } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{out: os.Stdout}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))

	var ad *telegram.Adapter
	if tg := cfg.Telegram; tg != nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", tg.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{
			Token:       tg.Token,
			PollTimeout: pollTimeout,
			LogChat:     tg.LogChatID,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		// records are forwarded only once a sender exists
		logSvc.SetSender(ad)
		logSvc.Apply(mapLogConfig(cfg))
	}
	log = log.With(logx.String("comp", "app"))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(cfg.Applet.Name)
	if name == "" {
		name = majortom.Name
	}

	bus := eventbus.New()
	clock := newClock(cfg, o.source)
	ap := applet.New(name,
		applet.WithClock(clock),
		applet.WithLogger(log.With(logx.String("comp", "applet"))),
		applet.WithBus(bus),
		applet.WithScheduler(schedCfg),
	)
	catalogue := majortom.Actions(o.out)

	if cfg.Applet.Demo {
		if err := ap.RegisterAll(majortom.Rows(catalogue)); err != nil {
			return nil, err
		}
	}
	want, err := bindTasks(clock, catalogue, cfg.Tasks)
	if err != nil {
		return nil, err
	}
	tasks, err := syncTasks(ap, nil, want)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	sc, retention, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		if store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		retention: retention,
		clock:     clock,
		applet:    ap,
		catalogue: catalogue,
		tasks:     tasks,
		adapter:   ad,
		sd:        systemd.New(log.With(logx.String("comp", "systemd"))),
	}
	if ad != nil {
		var owners []int64
		if cfg.Telegram != nil {
			owners = cfg.Telegram.OwnerUserIDs
		}
		a.cmdm = router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, owners)
		a.updates = make(chan kit.Update, 64)
	}
	return a, nil
}

func (a *App) Applet() *applet.Applet { return a.applet }

// Done is closed when the app context is cancelled (fatal error, loop end or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := mapSchedulerConfig(c); err != nil {
			return err
		}
		if _, _, _, err := mapStorageConfig(c); err != nil {
			return err
		}
		_, err := bindTasks(a.clock, a.catalogue, c.Tasks)
		return err
	})

	// the loop ending on its own (e.g. /stop) ends the process
	a.sup.Go("scheduler.loop", func(c context.Context) error {
		err := a.applet.Run(c)
		if err == nil && c.Err() == nil {
			a.log.Info("loop ended; shutting down")
			a.sup.Cancel()
		}
		return err
	})

	if a.store != nil {
		rec := storage.NewRecorder(a.applet.Name(), a.store, a.bus, a.log)
		a.sup.Go("storage.recorder", rec.Run)
		if a.retention > 0 {
			a.sup.Go("storage.retention", a.prune)
		}
	}

	events, unsub := a.bus.Subscribe(32, "loop.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		var journal router.Journal
		if a.store != nil {
			journal = a.store
		}
		a.cmdm.SetCommands(a.sup.Context(), router.AppletCommands(a.applet, journal))
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
	}

	if cfg.Systemd.Notify {
		a.sd.Ready()
		a.sd.Status(fmt.Sprintf("%s: %d tasks", a.applet.Name(), len(a.applet.Tasks())))
	}
	if cfg.Systemd.Watchdog {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.sd.Watchdog(c, a.alive)
		})
	}

	a.log.Info("app started", logx.String("applet", a.applet.Name()), logx.Int("tasks", len(a.applet.Tasks())))
	return nil
}

// alive reports progress since the previous call: a new iteration, or a
// dispatch still in flight (tasks are never pre-empted).
func (a *App) alive() bool {
	s := a.applet.Snapshot()
	prev := a.lastIter.Swap(s.Iterations)
	return s.Iterations != prev || s.State == scheduler.Dispatching
}

// pruneInterval is how often retention runs: a quarter of the retention,
// within [1m, 1h].
func pruneInterval(retention time.Duration) time.Duration {
	return min(max(retention/4, time.Minute), time.Hour)
}

// prune drops run records older than the retention at startup and then
// periodically until ctx is done.
func (a *App) prune(ctx context.Context) error {
	every := a.pruneEvery
	if every <= 0 {
		every = pruneInterval(a.retention)
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		a.pruneOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (a *App) pruneOnce(ctx context.Context) {
	n, err := a.store.Prune(ctx, time.Now().Add(-a.retention))
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("run history prune failed", logx.Err(err))
		}
		return
	}
	if n > 0 {
		a.log.Info("run history pruned", logx.Int("removed", n), logx.Duration("retention", a.retention))
	}
}

// applyConfig applies a validated reload. Sections that need a restart are
// only reported.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, changedTasks := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if next.Systemd.Notify {
		a.sd.Reloading()
		defer a.sd.Ready()
	}

	a.logs.Apply(mapLogConfig(next))
	if a.adapter != nil && next.Telegram != nil {
		a.adapter.SetLogChat(next.Telegram.LogChatID)
		a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.applet.Loop().Apply(sc)
	}

	if len(changedTasks) > 0 {
		if err := a.reloadTasks(next); err != nil {
			a.log.Warn("task reload incomplete", logx.Err(err))
		}
	}

	for _, s := range sections {
		switch s {
		case "tick", "storage", "applet", "telegram", "systemd":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) reloadTasks(cfg *config.Config) error {
	want, err := bindTasks(a.clock, a.catalogue, cfg.Tasks)
	if err != nil {
		return err
	}
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()
	next, err := syncTasks(a.applet, a.tasks, want)
	a.tasks = next
	return err
}

// Stop ends the loop after its current iteration, then stops the rest. Each
// step is bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.cfgm.Get() != nil && a.cfgm.Get().Systemd.Notify {
		a.sd.Stopping()
	}
	a.applet.Stop()

	var errs []error
	if a.sup != nil {
		// let the in-flight iteration finish before cancelling its context
		if err := a.waitLoopIdle(ctx); err != nil {
			errs = append(errs, err)
		}
		a.sup.Cancel()
		if a.adapter != nil {
			_ = a.adapter.Stop(ctx)
		}
		if err := a.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) waitLoopIdle(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for a.applet.Loop().State() == scheduler.Dispatching {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for the current iteration: %w", ctx.Err())
		case <-t.C:
		}
	}
	return nil
}
