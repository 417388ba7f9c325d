//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so interrupts can
// target the group without signalling the bridge itself.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptGroup delivers SIGINT to the child's process group. A vanished
// process is not an error.
func interruptGroup(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGINT)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
