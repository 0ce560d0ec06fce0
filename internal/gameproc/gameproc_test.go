//go:build !windows

package gameproc

import (
	"testing"
	"time"
)

func TestStartStop(t *testing.T) {
	h, err := Start("alpha", Spec{Command: "/bin/sh", Args: []string{"-c", "sleep 10"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.Alive() {
		t.Fatalf("process not alive after start")
	}
	if h.PID() == 0 {
		t.Fatalf("missing pid")
	}
	if err := h.Stop(2 * time.Second); err != nil {
		// sh dies on SIGTERM with a signal exit status
		t.Logf("stop returned %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if h.Alive() {
		t.Fatalf("process still alive after stop")
	}
}

func TestExitIsObserved(t *testing.T) {
	h, err := Start("alpha", Spec{Command: "/bin/sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-h.waitDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("monitor never reaped the process")
	}
	if h.Alive() {
		t.Fatalf("exited process reported alive")
	}
	if h.ExitErr() == nil {
		t.Fatalf("expected non-nil exit error for status 3")
	}
}

func TestEmptyCommandRejected(t *testing.T) {
	if _, err := Start("alpha", Spec{}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
