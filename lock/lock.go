// Package lock implements the host-wide run lock: an advisory exclusive
// flock on a file holding the owner's PID.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrLockHeld is returned when another process keeps the lock for every
// attempt.
var ErrLockHeld = errors.New("another process holds the lock")

// Default retry policy.
const (
	DefaultAttempts = 5
	DefaultBackoff  = time.Second
)

// Options controls how hard Acquire tries.
type Options struct {
	Attempts uint
	Backoff  time.Duration
}

// File is a held lock.
type File struct {
	path string
	f    *os.File
	log  *zap.Logger
}

// Acquire opens path, creating it and its directory if needed, and takes an
// exclusive non-blocking flock. A busy lock is retried with a fixed backoff.
func Acquire(path string, opts Options, log *zap.Logger) (*File, error) {
	if opts.Attempts == 0 {
		opts.Attempts = DefaultAttempts
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	var f *os.File
	err := retry.Do(
		func() error {
			if f == nil {
				var err error
				f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
				if err != nil {
					return retry.Unrecoverable(fmt.Errorf("open lock file: %w", err))
				}
			}
			err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
			if errors.Is(err, unix.EWOULDBLOCK) {
				return ErrLockHeld
			}
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("flock %s: %w", path, err))
			}
			// The previous holder may have removed the file while we waited
			// on it; our lock is then on an orphaned inode.
			if !samePath(f, path) {
				_ = f.Close()
				f = nil
				return ErrLockHeld
			}
			return nil
		},
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.Backoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("lock busy, retrying",
				zap.String("path", path),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, err
	}

	l := &File{path: path, f: f, log: log}
	if err := l.writePID(); err != nil {
		l.Release()
		return nil, err
	}
	log.Debug("lock acquired", zap.String("path", path))
	return l, nil
}

// samePath reports whether the open file f is still the file at path.
func samePath(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

func (l *File) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *File) Path() string {
	return l.path
}

// Release drops the lock and closes the file, leaving it on disk for
// inspection.
func (l *File) Release() {
	if l.f == nil {
		return
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.log.Warn("unlock failed", zap.String("path", l.path), zap.Error(err))
	}
	_ = l.f.Close()
	l.f = nil
}

// Remove deletes the lock file and then releases the lock. Used after a
// fully successful run. Deleting first means a process that was waiting on
// the old file notices the path is gone and reopens it.
func (l *File) Remove() error {
	var err error
	if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		err = fmt.Errorf("remove lock file: %w", rerr)
	}
	l.Release()
	return err
}
