package main

import (
	"bytes"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/felundnet/felund/internal/config"
)

// syncWriter lets the test read run output while doRun is still writing.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestDoRunServesUntilInterrupt(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	initDir(t, dir, "runner", port)

	var setup bytes.Buffer
	if err := doInvite([]string{"-dir", dir}, &setup); err != nil {
		t.Fatalf("invite: %v", err)
	}

	// No multicast inside the test run.
	cfg := "version: 1\ndiscovery:\n  mdns: false\n"
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(cfg), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Our own registration keeps the process alive if the interrupt ever
	// outruns doRun's handler.
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGINT)
	defer signal.Stop(guard)

	out := &syncWriter{}
	done := make(chan error, 1)
	go func() { done <- doRun([]string{"-dir", dir, "-interval", "100ms"}, out) }()

	deadline := time.After(10 * time.Second)
	for !strings.Contains(out.String(), "Press Ctrl+C to stop.") {
		select {
		case err := <-done:
			t.Fatalf("run exited early: %v\n%s", err, out.String())
		case <-deadline:
			t.Fatalf("run never became ready:\n%s", out.String())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after SIGINT")
	}

	got := out.String()
	for _, want := range []string{
		"felund dev (unknown)",
		" Node    : runner (",
		" Listen  : ",
		" Circles : 1",
		"Received interrupt, shutting down...",
		"Stopped.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("run output missing %q:\n%s", want, got)
		}
	}
}

func TestDoRunRejectsBadInterval(t *testing.T) {
	out := &syncWriter{}
	err := doRun([]string{"-interval", "abc"}, out)
	if err == nil || !strings.Contains(err.Error(), "invalid value") {
		t.Errorf("err = %v, want flag parse error", err)
	}
}

func TestDoRunUnknownPeerCircle(t *testing.T) {
	dir := t.TempDir()
	initDir(t, dir, "runner", 9140)

	out := &syncWriter{}
	err := doRun([]string{"-dir", dir, "-peer", "127.0.0.1:1", "-circle", "nope"}, out)
	if err == nil || !strings.Contains(err.Error(), `unknown circle "nope"`) {
		t.Errorf("err = %v, want unknown circle before any bind", err)
	}
}
