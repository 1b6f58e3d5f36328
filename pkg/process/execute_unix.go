//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the child in its own process group so the
// whole tree receives the termination signal
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// sendTerminationSignal sends SIGTERM to the process group (negative PID)
func sendTerminationSignal(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGTERM)
}

func forceKill(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
