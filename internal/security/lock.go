package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLocked is returned when another process holds the instance lock.
var ErrLocked = errors.New("security: instance lock held by another process")

// InstanceLock is an exclusive advisory lock on a file, held for the life
// of the daemon so two instances never poll the same bot.
type InstanceLock struct {
	path string
	file *os.File
}

// AcquireLock takes the lock at path without blocking and writes the
// current PID into the file.
func AcquireLock(path string) (*InstanceLock, error) {
	cleaned, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cleaned), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(cleaned, os.O_RDWR|os.O_CREATE, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := tryLockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			if pid := readPID(cleaned); pid != "" {
				return nil, fmt.Errorf("%w (pid %s, %s)", ErrLocked, pid, cleaned)
			}
			return nil, fmt.Errorf("%w (%s)", ErrLocked, cleaned)
		}
		return nil, fmt.Errorf("lock %s: %w", cleaned, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &InstanceLock{path: cleaned, file: f}, nil
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. The file itself is left in
// place; removing it would race with a new instance acquiring it.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func readPID(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
