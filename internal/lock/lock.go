// Package lock provides the per-batch write lock that serializes appends.
//
// Two implementations exist: Memory for a single ledgerd process and Redis
// for deployments with several replicas sharing one store.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the wait bound.
var ErrTimeout = errors.New("lock: timed out")

// Locker hands out exclusive locks keyed by an arbitrary string.
type Locker interface {
	// Acquire blocks until the key is held, ctx is done, or wait elapses.
	// The returned func releases the lock and is safe to call once.
	Acquire(ctx context.Context, key string, wait time.Duration) (func(), error)
}
