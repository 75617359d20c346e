// Package filelock provides the exclusive advisory lock that keeps a store
// file to a single writer.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTimeout is the time spent retrying a contended lock.
const DefaultTimeout = 5 * time.Second

const retryInterval = 10 * time.Millisecond

// Lock errors.
var (
	ErrLockTimeout  = errors.New("lock timeout")
	errLockFileOpen = errors.New("failed to open lock file")
)

// Lock is an exclusive flock held on <path>.lock. flock is bound to the open
// file description, so a second Acquire on the same path conflicts even
// within one process.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive lock for path, retrying until timeout elapses
// or ctx is done. A zero timeout uses DefaultTimeout.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("%w: %w", errLockFileOpen, err)
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // path is owned by the caller
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLockFileOpen, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		flockErr := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if flockErr == nil {
			return &Lock{path: lockPath, file: file}, nil
		}
		if !errors.Is(flockErr, unix.EWOULDBLOCK) {
			_ = file.Close()
			return nil, fmt.Errorf("flock %s: %w", lockPath, flockErr)
		}
		if time.Now().After(deadline) {
			_ = file.Close()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		select {
		case <-ctx.Done():
			_ = file.Close()
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(unlockErr, closeErr)
}
