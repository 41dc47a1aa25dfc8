package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrLockTimeout is returned when another process holds the credential file
// lock for longer than the wait budget.
var ErrLockTimeout = errors.New("timed out waiting for credential file lock")

const (
	lockWait       = 5 * time.Second
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// fileLock is an advisory cross-process lock held as "<file>.lock".
type fileLock struct {
	f    *os.File
	path string
}

// lockFile takes the lock for target, waiting up to lockWait or until ctx is
// done. A lock older than lockStaleAfter is assumed abandoned and removed.
func lockFile(ctx context.Context, target string) (*fileLock, error) {
	path := target + ".lock"
	deadline := time.Now().Add(lockWait)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when debugging a lock left behind by a crashed process
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			return &fileLock{f: f, path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if stale, err := removeStaleLock(path); err != nil {
			return nil, err
		} else if stale {
			continue
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		t := time.NewTimer(lockRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func removeStaleLock(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) <= lockStaleAfter {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to remove stale lock file %s: %w", path, err)
	}
	return true, nil
}

// unlock releases the lock. Calling it twice is harmless.
func (l *fileLock) unlock() error {
	if l.f == nil {
		return nil
	}
	_ = l.f.Close()
	l.f = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
