//go:build linux

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// configureCmd puts the child in its own process group and asks the kernel
// to SIGKILL it when the supervising thread dies.
func configureCmd(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pgid:      0,
		Pdeathsig: syscall.SIGKILL,
	}
}

func terminate(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func forceKill(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		return p.Signal(sig)
	}
	return nil
}
