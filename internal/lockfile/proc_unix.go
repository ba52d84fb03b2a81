//go:build !windows

package lockfile

import "syscall"

// pidAlive probes pid with signal 0. EPERM still means the process exists.
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
