//go:build windows

package artifact

import (
	"os"

	"golang.org/x/sys/windows"
)

// Windows byte-range locks are mandatory, so the lock covers a single byte far
// past any payload size instead of the file contents.
const (
	lockOffset = ^uint32(0)
	lockLength = 1
)

func lockExclusive(f *os.File) error {
	return lockFile(f, windows.LOCKFILE_EXCLUSIVE_LOCK)
}

func lockShared(f *os.File) error {
	return lockFile(f, 0)
}

func lockFile(f *os.File, flags uint32) error {
	ol := &windows.Overlapped{Offset: lockOffset, OffsetHigh: lockOffset}
	return windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, lockLength, 0, ol)
}

func unlock(f *os.File) error {
	ol := &windows.Overlapped{Offset: lockOffset, OffsetHigh: lockOffset}
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockLength, 0, ol)
}
