// Package sdnotify speaks the systemd notify protocol. Every call is a no-op
// when the process was not started by systemd with NOTIFY_SOCKET set.
package sdnotify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "slotpost/pkg/logx"
)

type Notifier struct {
	log     logx.Logger
	enabled bool

	interval time.Duration // watchdog ping spacing; zero when disabled
	lastPing atomic.Int64
	warnOnce sync.Once

	notify func(state string) (bool, error)
}

// New reads WATCHDOG_USEC once. enabled=false turns every method into a no-op.
func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		log:     log.With(logx.String("comp", "sdnotify")),
		enabled: enabled,
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if !enabled {
		return n
	}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		n.log.Warn("invalid watchdog settings", logx.Err(err))
	} else if d > 0 {
		// systemd recommends pinging at half the timeout.
		n.interval = d / 2
		n.log.Info("watchdog enabled", logx.Duration("timeout", d))
	}
	return n
}

func (n *Notifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.notify(state)
	if err != nil {
		n.warnOnce.Do(func() { n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err)) })
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// WatchdogInterval is zero when systemd did not ask for pings.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil {
		return 0
	}
	return n.interval
}

// Watchdog pings systemd, at most once per interval. The scheduler calls it
// every tick, so a stuck loop stops the pings and systemd restarts us.
func (n *Notifier) Watchdog() {
	if n == nil || n.interval <= 0 {
		return
	}
	now := time.Now().UnixNano()
	last := n.lastPing.Load()
	if last != 0 && time.Duration(now-last) < n.interval/2 {
		return
	}
	n.lastPing.Store(now)
	n.send(daemon.SdNotifyWatchdog)
}
