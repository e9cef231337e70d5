// Package distributed is the L3 tier: a circuit-breaker-guarded adapter
// around a pluggable Store, plus the cross-process invalidation plumbing
// (key-change subscription) that lets every process drop its local copies
// when another process writes or deletes a shared key.
package distributed

import (
	"context"
	"errors"
	"time"
)

// Store is the minimal contract a distributed backend must satisfy. The
// concrete implementation this module ships is distributed/redisstore.
type Store interface {
	// Get returns the value for key, its remaining TTL (0 means no
	// expiration), or ok=false on a miss.
	Get(ctx context.Context, key string) (value []byte, ttl time.Duration, ok bool, err error)
	// Set writes value for key with a TTL relative to now (0 means no expiration).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// TryLock attempts to acquire a named distributed lock identified by
	// token, held for at most ttl. Returns false if already held.
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Unlock releases a lock previously acquired with TryLock, verifying
	// token to avoid releasing a lock acquired by someone else after expiry.
	Unlock(ctx context.Context, key, token string) error

	// Subscribe returns a channel of key-change notifications matching any
	// of patterns. The channel is closed when ctx is done or the
	// subscription is torn down.
	Subscribe(ctx context.Context, patterns ...string) (<-chan KeyEvent, error)

	// Close releases the underlying connection.
	Close() error
}

// KeyEvent is a single key-change notification.
type KeyEvent struct {
	Key string
}

// ErrLockNotHeld is returned by Unlock when token does not match the
// current holder (the lock already expired and was acquired by another caller).
var ErrLockNotHeld = errors.New("distributed: lock not held by this token")
