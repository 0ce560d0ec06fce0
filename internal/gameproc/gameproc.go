// Package gameproc is the OS process handle for a locally hosted game
// server: launch, liveness, graceful stop, hard kill.
package gameproc

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/starkeeper/starkeeper/internal/logger"
)

// Spec describes how to launch the game server binary.
type Spec struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string
	Log     logger.Config
}

// Handle is a started process. The monitor goroutine owns cmd.Wait; all
// other paths observe exit through the waitDone channel.
type Handle struct {
	id string

	mu        sync.Mutex
	cmd       *exec.Cmd
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{}
	exitErr   error
	startedAt time.Time
}

// Start launches the process with rotated log writers and arms the monitor.
func Start(id string, spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("gameproc: empty command")
	}
	h := &Handle{id: id, waitDone: make(chan struct{})}

	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setSysProcAttr(cmd)

	if spec.Log.Dir != "" {
		_ = os.MkdirAll(spec.Log.Dir, 0o750)
	}
	outW, errW, _ := spec.Log.Writers(id)
	if outW != nil {
		cmd.Stdout = outW
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if errW != nil {
		cmd.Stderr = errW
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	h.outCloser = outW
	h.errCloser = errW

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return nil, err
	}
	h.cmd = cmd
	h.startedAt = time.Now()
	slog.Info("game server process started", "server", id, "pid", cmd.Process.Pid)
	go h.monitor()
	return h, nil
}

// monitor reaps the process and records the outcome.
func (h *Handle) monitor() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	close(h.waitDone)
	h.mu.Unlock()
	h.closeWriters()
	if err != nil {
		slog.Warn("game server process exited", "server", h.id, "err", err)
	} else {
		slog.Info("game server process exited", "server", h.id)
	}
}

func (h *Handle) closeWriters() {
	h.mu.Lock()
	out, errw := h.outCloser, h.errCloser
	h.outCloser, h.errCloser = nil, nil
	h.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errw != nil {
		_ = errw.Close()
	}
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.waitDone:
		return false
	default:
	}
	return signalAlive(h.cmd)
}

// PID returns the process id, 0 if never started.
func (h *Handle) PID() int {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) StartedAt() time.Time { return h.startedAt }

// ExitErr returns the exit error once the process has been reaped.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Stop sends a termination signal and waits up to grace for the monitor to
// reap the process, escalating to a kill.
func (h *Handle) Stop(grace time.Duration) error {
	if h == nil || !h.Alive() {
		return nil
	}
	sendTerm(h.cmd)
	select {
	case <-h.waitDone:
		return h.ExitErr()
	case <-time.After(grace):
	}
	slog.Warn("game server ignored terminate signal, killing", "server", h.id, "pid", h.PID())
	return h.Kill()
}

// Kill force-terminates the process group and waits briefly for the reap.
func (h *Handle) Kill() error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	sendKill(h.cmd)
	select {
	case <-h.waitDone:
	case <-time.After(200 * time.Millisecond):
	}
	return h.ExitErr()
}
