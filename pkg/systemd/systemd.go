// Package systemd reports agent state to the service manager through
// sd_notify. Outside a Type=notify unit every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pushagent/pkg/logx"
)

// Ready tells systemd startup finished. sent is false when NOTIFY_SOCKET is
// not set.
func Ready() (sent bool, err error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown has begun.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Reloading marks a config reload in progress; send Ready when it is done.
func Reloading() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReloading)
}

// Status sets the one-line status shown by systemctl status.
func Status(msg string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+msg)
}

// WatchdogInterval returns the configured watchdog timeout, 0 when the
// watchdog is off for this process.
func WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

// RunWatchdog pings the watchdog at half its interval until ctx ends.
// healthy gates each ping; a nil func always pings.
func RunWatchdog(ctx context.Context, healthy func() bool, log logx.Logger) {
	interval, err := WatchdogInterval()
	if err != nil {
		log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := interval / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("skipping watchdog ping: unhealthy")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
