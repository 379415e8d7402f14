// Package systemd speaks the sd_notify protocol for Type=notify units.
// Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports lifecycle state to the service manager.
type Notifier struct {
	send func(state string) (bool, error)
}

func NewNotifier() *Notifier {
	return &Notifier{send: func(state string) (bool, error) { return daemon.SdNotify(false, state) }}
}

func (n *Notifier) notify(state string) (bool, error) {
	if n == nil || n.send == nil {
		return false, nil
	}
	return n.send(state)
}

// Ready reports READY=1. The bool is false when no manager is listening.
func (n *Notifier) Ready() (bool, error) { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

// Status sets the free-form unit status line.
func (n *Notifier) Status(s string) (bool, error) { return n.notify("STATUS=" + s) }

// Watchdog pings WATCHDOG=1 at half the configured interval until ctx is
// done. It returns immediately when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
