package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestFileLockerSerializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "root.bar")
	locker := NewFileLocker()
	locker.retry = 10 * time.Millisecond

	held, err := locker.AcquireLock(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := locker.AcquireLock(ctx, path); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second acquire err = %v, want deadline exceeded", err)
	}

	if err := held.Release(); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}

	reacquired, err := locker.AcquireLock(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to reacquire lock: %v", err)
	}
	if err := reacquired.Release(); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
}

func TestFileLockerWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "root.bar")
	locker := NewFileLocker()
	locker.retry = 5 * time.Millisecond

	held, err := locker.AcquireLock(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	waited, err := locker.AcquireLock(ctx, path)
	if err != nil {
		t.Fatalf("failed to acquire lock after release: %v", err)
	}
	if err := waited.Release(); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
}

func TestNoOpLocker(t *testing.T) {
	locker := NewNoOpLocker()

	held, err := locker.AcquireLock(context.Background(), "anything")
	if err != nil {
		t.Fatalf("failed to acquire noop lock: %v", err)
	}
	if err := held.Release(); err != nil {
		t.Errorf("failed to release noop lock: %v", err)
	}
}
