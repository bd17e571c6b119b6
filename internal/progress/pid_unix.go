//go:build unix

package progress

import (
	"errors"
	"syscall"
)

// pidAlive checks pid with signal 0. EPERM means the process exists but
// belongs to someone else.
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
