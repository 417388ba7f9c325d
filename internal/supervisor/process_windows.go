//go:build windows

package supervisor

import (
	"os/exec"
	"strconv"
)

func setProcessGroup(cmd *exec.Cmd) {
	// Process groups as used on unix do not apply; taskkill handles the tree.
}

// interruptGroup asks taskkill to end the child's process tree. There is no
// SIGINT equivalent for a detached console process.
func interruptGroup(pid int) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T").Run()
}
