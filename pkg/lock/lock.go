// Package lock serializes builds that target the same output path.
package lock

import "context"

// Locker provides locking for concurrent builds.
// AcquireLock blocks until the lock is acquired or the context is cancelled.
type Locker interface {
	AcquireLock(ctx context.Context, path string) (Lock, error)
}

// Lock represents an acquired lock that must be released
type Lock interface {
	Release() error
}
