//go:build windows

package supervisor

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{HideWindow: true}
}

// Windows has no SIGTERM; both stages kill the process.
func signalGroup(proc *os.Process, _ bool) error {
	return proc.Kill()
}
