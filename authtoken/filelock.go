package authtoken

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Lock file tuning. A lock older than lockStaleAfter belongs to a crashed
// process and may be broken.
const (
	lockAttempts   = 50
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// fileLock is an advisory cross-process lock backed by "<path>.lock".
type fileLock struct {
	f    *os.File
	path string
}

// lockPath returns the lock file guarding the token file at path.
func lockPath(path string) string {
	return path + ".lock"
}

// acquireFileLock creates the lock file exclusively, waiting for other
// holders and breaking stale locks.
func acquireFileLock(path string) (*fileLock, error) {
	lp := lockPath(path)

	for range lockAttempts {
		f, err := os.OpenFile(lp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when someone has to clean up by hand.
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			return &fileLock{f: f, path: lp}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if stale, statErr := isStale(lp); statErr == nil && stale {
			if rmErr := os.Remove(lp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lp, rmErr)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf("timeout waiting for file lock after %v", lockAttempts*lockRetryDelay)
}

func isStale(lp string) (bool, error) {
	info, err := os.Stat(lp)
	if err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) > lockStaleAfter, nil
}

// release closes and removes the lock file.
func (l *fileLock) release() error {
	if l.f != nil {
		_ = l.f.Close()
	}
	return os.Remove(l.path)
}
