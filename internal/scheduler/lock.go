//go:build !windows

package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// LockFileName is the workspace lock under the state dir.
const LockFileName = "scheduler.lock"

// ErrLocked is returned when another scheduler holds the workspace lock.
var ErrLocked = errors.New("another scheduler is running in this workspace")

type lockMetadata struct {
	PID        int    `json:"pid"`
	Host       string `json:"host"`
	Workspace  string `json:"workspace"`
	AcquiredAt string `json:"acquired_at"`
}

// Lock is a held workspace lock.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes a non-blocking exclusive flock on <dir>/scheduler.lock.
func AcquireLock(dir, workspace string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := filepath.Join(dir, LockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, holderHint(path))
		}
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}

	host, _ := os.Hostname()
	meta, _ := json.Marshal(lockMetadata{
		PID:        os.Getpid(),
		Host:       host,
		Workspace:  workspace,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt(append(meta, '\n'), 0)
	}
	return &Lock{path: path, file: file}, nil
}

func holderHint(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return path
	}
	var meta lockMetadata
	if json.Unmarshal(data, &meta) != nil || meta.PID == 0 {
		return path
	}
	return fmt.Sprintf("pid %d on %s since %s (%s)", meta.PID, meta.Host, meta.AcquiredAt, path)
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlocking: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing lock file: %w", closeErr)
	}
	return nil
}
