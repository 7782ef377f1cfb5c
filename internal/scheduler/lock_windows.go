//go:build windows

package scheduler

import (
	"errors"
	"path/filepath"
)

// LockFileName is the workspace lock under the state dir.
const LockFileName = "scheduler.lock"

// ErrLocked is returned when another scheduler holds the workspace lock.
var ErrLocked = errors.New("another scheduler is running in this workspace")

// Lock is a no-op on Windows.
type Lock struct{ path string }

// AcquireLock returns an unenforced lock on Windows.
func AcquireLock(dir, _ string) (*Lock, error) {
	return &Lock{path: filepath.Join(dir, LockFileName)}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release does nothing on Windows.
func (l *Lock) Release() error { return nil }
