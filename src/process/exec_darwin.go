package process

import (
	"os/exec"
	"syscall"
)

// execCommand creates (but does not start) a subprocess and tracks it.
func (e *Executor) execCommand(path string, args ...string) *exec.Cmd {
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	e.registerProcess(cmd)
	return cmd
}
