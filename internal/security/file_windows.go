//go:build windows

package security

import (
	"errors"
	"os"
	"syscall"
)

const (
	lockfileFailImmediately = 0x1
	lockfileExclusiveLock   = 0x2

	// ERROR_LOCK_VIOLATION
	errLockViolation syscall.Errno = 33
)

var errWouldBlock = errors.New("lock would block")

// tryLockFile takes an exclusive LockFileEx lock without waiting.
func tryLockFile(f *os.File) error {
	var overlapped syscall.Overlapped
	err := syscall.LockFileEx(
		syscall.Handle(f.Fd()),
		lockfileExclusiveLock|lockfileFailImmediately,
		0,
		1,
		0,
		&overlapped,
	)
	if errors.Is(err, errLockViolation) {
		return errWouldBlock
	}
	return err
}

// unlockFile releases the lock on a file.
func unlockFile(f *os.File) error {
	var overlapped syscall.Overlapped
	return syscall.UnlockFileEx(syscall.Handle(f.Fd()), 0, 1, 0, &overlapped)
}
