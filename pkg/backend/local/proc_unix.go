//go:build unix

package local

import (
	"os/exec"
	"syscall"
)

// Jobs run in their own process group so a kill reaches the worker and not
// only the wrapping shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
