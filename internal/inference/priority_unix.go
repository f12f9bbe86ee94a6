//go:build !windows

package inference

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// lowerPriority applies POSIX `nice +10` to the child before it starts
// serving, so a model server never competes with the host's own threads for
// CPU time.
func lowerPriority(pid int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, 10)
}

// requestGracefulStop sends SIGTERM, the POSIX graceful-shutdown signal.
func requestGracefulStop(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}

// processAlive reports whether pid still exists, using signal 0 which the
// kernel delivers as a no-op liveness probe.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
