//go:build !windows && !js && !wasip1

package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock represents an OS-level file lock (Unix implementation using flock via
// golang.org/x/sys/unix, the portable wrapper the rest of the pack standardizes on
// rather than the raw syscall package).
type fileLock struct {
	file *os.File
}

// lockFile acquires an exclusive, non-blocking flock on a sidecar ".lock" file next
// to path. It guards against a second process opening the same database file, not
// against concurrent goroutines within this process (that is lock.Locker's job).
func lockFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("filelock: cannot open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("filelock: database %q is locked by another process", path)
	}

	return &fileLock{file: f}, nil
}

// unlock releases the file lock.
func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	unix.Flock(int(fl.file.Fd()), unix.LOCK_UN)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
