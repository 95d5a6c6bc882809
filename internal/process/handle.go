package process

import (
	stdErrors "errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// Handle is a running child as seen by output consumers such as the
// telemetry collector.
type Handle struct {
	name string
	cmd  *exec.Cmd
	pid  int

	stdout      *os.File
	stdoutTaken atomic.Bool
	closeOnce   sync.Once

	done     chan struct{}
	exitErr  error
	exitCode int
}

func newHandle(name string, cmd *exec.Cmd, stdout *os.File) *Handle {
	h := &Handle{
		name:   name,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go h.wait()
	return h
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.exitErr = err
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	} else {
		h.exitCode = -1
	}
	close(h.done)
}

// Name returns the logical process name
func (h *Handle) Name() string { return h.name }

// PID returns the OS process id
func (h *Handle) PID() int { return h.pid }

// Done is closed once the process has exited and been waited for
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stdout returns the read side of the child's output pipe. The caller owns
// it and must close it; it reaches EOF when the child exits.
func (h *Handle) Stdout() io.ReadCloser {
	h.stdoutTaken.Store(true)
	return h.stdout
}

// DiscardOutput drains the output pipe so a child nobody reads from
// cannot block on a full pipe.
func (h *Handle) DiscardOutput() {
	r := h.Stdout()
	go func() {
		_, _ = io.Copy(io.Discard, r)
		_ = r.Close()
	}()
}

// Kill forcibly terminates the process (and its group where supported)
func (h *Handle) Kill() error {
	if h.exited() {
		return nil
	}
	if err := forceKill(h.cmd.Process); err != nil && !stdErrors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Terminate asks the process to exit
func (h *Handle) Terminate() error {
	if h.exited() {
		return nil
	}
	if err := terminate(h.cmd.Process); err != nil && !stdErrors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// exitStatus classifies a finished process. Only valid after Done is closed.
func (h *Handle) exitStatus() (State, string) {
	if h.exitErr == nil && h.exitCode == 0 {
		return StateStopped, ""
	}
	if h.exitErr != nil {
		return StateFailed, h.exitErr.Error()
	}
	return StateFailed, "non-zero exit"
}

// release closes the output pipe unless a consumer took ownership of it
func (h *Handle) release() {
	if h.stdoutTaken.Load() {
		return
	}
	h.closeOnce.Do(func() {
		_ = h.stdout.Close()
	})
}
