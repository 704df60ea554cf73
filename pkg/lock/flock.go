package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FileLocker takes an exclusive flock on a lock file next to the
// guarded path. Locks are advisory, so they only serialize builders
// that use the same convention.
type FileLocker struct {
	retry time.Duration
}

func NewFileLocker() *FileLocker {
	return &FileLocker{retry: 100 * time.Millisecond}
}

// AcquireLock locks path + ".lock". The lock file is left in place on
// release so later builds contend on the same inode.
func (l *FileLocker) AcquireLock(ctx context.Context, path string) (Lock, error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			_ = f.Close()
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

type fileLock struct {
	f *os.File
}

func (l *fileLock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return l.f.Close()
}
