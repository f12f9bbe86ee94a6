//go:build windows

package inference

import (
	"os"

	"golang.org/x/sys/windows"
)

// lowerPriority sets the child's priority class to BELOW_NORMAL, the
// Windows analogue of POSIX `nice +10`.
func lowerPriority(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.SetPriorityClass(h, windows.BELOW_NORMAL_PRIORITY_CLASS)
}

// requestGracefulStop has no SIGTERM equivalent on Windows for an arbitrary
// child process; Kill is the closest available primitive, so the grace
// period below simply measures how long the process takes to exit on its
// own before the hard kill path also calls Kill again (a harmless no-op if
// it already exited).
func requestGracefulStop(proc *os.Process) error {
	return proc.Kill()
}

func processAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}
