//go:build windows

package process

import (
	"os"
	"os/exec"
)

func configureCmd(cmd *exec.Cmd) {}

// Windows has no SIGTERM equivalent for console children.
func terminate(p *os.Process) error {
	return p.Kill()
}

func forceKill(p *os.Process) error {
	return p.Kill()
}
