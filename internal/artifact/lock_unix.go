//go:build unix

package artifact

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive blocks until f holds an exclusive advisory lock. The lock is
// tied to the open file description and is released by the kernel if the
// process dies.
func lockExclusive(f *os.File) error {
	return flock(f, unix.LOCK_EX)
}

// lockShared blocks until f holds a shared advisory lock.
func lockShared(f *os.File) error {
	return flock(f, unix.LOCK_SH)
}

func unlock(f *os.File) error {
	return flock(f, unix.LOCK_UN)
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
