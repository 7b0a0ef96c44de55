// Package systemd speaks the sd_notify protocol: readiness, stopping and
// watchdog keep-alives. Every call is a no-op outside a systemd unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "appletd/pkg/logx"
)

// Notifier sends sd_notify states. The zero value is not usable; call New.
type Notifier struct {
	log logx.Logger

	notify   func(state string) (bool, error)
	interval func() (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		interval: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) { n.send("STATUS=" + s) }

// Watchdog pings systemd at half the configured WatchdogSec while alive
// reports true. A false result skips the ping, so a stalled process is
// restarted by systemd. Watchdog returns at once when no watchdog is set.
func (n *Notifier) Watchdog(ctx context.Context, alive func() bool) error {
	every, err := n.interval()
	if err != nil {
		return err
	}
	if every <= 0 {
		n.log.Debug("systemd watchdog not enabled")
		return nil
	}
	every /= 2
	n.log.Info("systemd watchdog enabled", logx.Duration("ping_every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if alive != nil && !alive() {
				n.log.Warn("watchdog ping skipped; loop looks stalled")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
