//go:build !windows

package lock

import "golang.org/x/sys/unix"

// ProcessAlive reports whether pid names a live process. EPERM means the
// process exists under another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
