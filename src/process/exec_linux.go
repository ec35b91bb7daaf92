package process

import (
	"os/exec"
	"syscall"
)

// execCommand creates (but does not start) a subprocess and tracks it.
// We set Pdeathsig to try to make sure tools don't outlive us if we die.
func (e *Executor) execCommand(path string, args ...string) *exec.Cmd {
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGHUP,
		Setpgid:   true,
	}
	e.registerProcess(cmd)
	return cmd
}
