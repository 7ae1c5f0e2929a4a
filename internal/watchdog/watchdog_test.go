package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunHealthy(t *testing.T) {
	var checkCount atomic.Int32
	checks := []HealthCheck{
		{
			Name: "state",
			Check: func() error {
				checkCount.Add(1)
				return nil
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, Config{Interval: 50 * time.Millisecond, Log: quietLogger()}, checks)
		close(done)
	}()

	// Wait for at least 2 beats (one immediate, one ticked)
	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done

	count := checkCount.Load()
	if count < 2 {
		t.Errorf("expected at least 2 health checks, got %d", count)
	}
}

func TestRunUnhealthy(t *testing.T) {
	var healthyCount, unhealthyCount atomic.Int32
	checks := []HealthCheck{
		{
			Name: "listener",
			Check: func() error {
				healthyCount.Add(1)
				return nil
			},
		},
		{
			Name: "persist",
			Check: func() error {
				unhealthyCount.Add(1)
				return errors.New("state file unwritable")
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, Config{Interval: 50 * time.Millisecond, Log: quietLogger()}, checks)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done

	if healthyCount.Load() < 2 {
		t.Errorf("healthy check ran %d times, want >= 2", healthyCount.Load())
	}
	if unhealthyCount.Load() < 2 {
		t.Errorf("unhealthy check ran %d times, want >= 2", unhealthyCount.Load())
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	done := make(chan struct{})
	go func() {
		Run(ctx, Config{Interval: time.Hour, Log: quietLogger()}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return on cancelled context")
	}
}

func TestRunZeroConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	Run(ctx, Config{}, nil) // must not panic without interval, log, or checks
}

func TestHeartbeatInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	if got := heartbeatInterval(0); got != DefaultInterval {
		t.Errorf("no config, no env: interval = %v, want %v", got, DefaultInterval)
	}
	if got := heartbeatInterval(time.Second); got != time.Second {
		t.Errorf("explicit interval = %v, want 1s", got)
	}

	t.Setenv("WATCHDOG_USEC", "10000000") // systemd advertises 10s
	if got := heartbeatInterval(0); got != 5*time.Second {
		t.Errorf("env-derived interval = %v, want half of 10s", got)
	}
	if got := heartbeatInterval(2 * time.Second); got != 2*time.Second {
		t.Errorf("explicit interval must win over env, got %v", got)
	}

	t.Setenv("WATCHDOG_USEC", "bogus")
	if got := heartbeatInterval(0); got != DefaultInterval {
		t.Errorf("unparseable env: interval = %v, want %v", got, DefaultInterval)
	}
}

func TestNotifyNoSocket(t *testing.T) {
	os.Unsetenv("NOTIFY_SOCKET")

	// Without a supervisor every notification degrades to a no-op.
	if err := Ready(); err != nil {
		t.Errorf("Ready() = %v, want nil", err)
	}
	if err := Watchdog(); err != nil {
		t.Errorf("Watchdog() = %v, want nil", err)
	}
	if err := Stopping(); err != nil {
		t.Errorf("Stopping() = %v, want nil", err)
	}
}

func TestNotifyBadSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "/nonexistent/socket.sock")

	err := Ready()
	if err == nil {
		t.Error("Ready() with bad socket should return error")
	}
}

func TestNotifyDeliversDatagram(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	if err := Ready(); err != nil {
		t.Fatalf("Ready() = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Fatalf("datagram = %q, want READY=1", got)
	}
}
