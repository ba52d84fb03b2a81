//go:build windows

package lockfile

import "os"

// pidAlive reports whether a process with pid exists. On Windows,
// FindProcess fails for dead PIDs.
func pidAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
