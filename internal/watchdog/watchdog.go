// Package watchdog wires the felund daemon into a systemd supervisor.
// Under Type=notify the run command announces readiness, heartbeats
// until shutdown, and announces stopping; without NOTIFY_SOCKET every
// notification is a no-op, so the same binary runs unsupervised.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"
)

// DefaultInterval is the heartbeat cadence when neither Config.Interval
// nor WATCHDOG_USEC supplies one.
const DefaultInterval = 30 * time.Second

// A HealthCheck is probed on every heartbeat. A failing check is
// logged and never withholds the heartbeat; the beat attests that the
// process is alive, not that it is healthy.
type HealthCheck struct {
	Name  string
	Check func() error
}

// Config controls the heartbeat loop.
type Config struct {
	// Interval between heartbeats. Zero resolves to half the
	// WATCHDOG_USEC timeout when systemd advertises one, and to
	// DefaultInterval otherwise.
	Interval time.Duration
	Log      *slog.Logger
}

// Run probes the health checks and heartbeats systemd, once right away
// and then on every interval, until ctx is cancelled.
func Run(ctx context.Context, cfg Config, checks []HealthCheck) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	beat := func() {
		for _, hc := range checks {
			if err := hc.Check(); err != nil {
				log.Warn("watchdog: health check failed", "check", hc.Name, "err", err)
			}
		}
		if err := Watchdog(); err != nil {
			log.Warn("watchdog: heartbeat failed", "err", err)
		}
	}

	ticker := time.NewTicker(heartbeatInterval(cfg.Interval))
	defer ticker.Stop()

	for {
		beat()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// heartbeatInterval resolves the loop cadence. An explicit interval
// wins; otherwise half the WATCHDOG_USEC timeout keeps the systemd
// timer reset, and DefaultInterval covers runs without a supervisor.
func heartbeatInterval(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	if usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64); err == nil && usec > 0 {
		return time.Duration(usec) * time.Microsecond / 2
	}
	return DefaultInterval
}

// Ready reports the daemon as started. The run command calls it once
// the sync listener is accepting connections.
func Ready() error { return notify("READY=1") }

// Watchdog resets the systemd watchdog timer.
func Watchdog() error { return notify("WATCHDOG=1") }

// Stopping reports the start of a graceful shutdown.
func Stopping() error { return notify("STOPPING=1") }

// notify sends one sd_notify datagram to $NOTIFY_SOCKET and is a no-op
// when the variable is unset. Filesystem paths and abstract names
// (leading @) are both accepted.
func notify(state string) error {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return nil
	}

	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		return fmt.Errorf("sd_notify dial %s: %w", socket, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("sd_notify write: %w", err)
	}
	return nil
}
