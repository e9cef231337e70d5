// Package collapse is the coordinator's single-flight load collapser: it
// guarantees exactly one factory execution per key among concurrent
// get_or_create callers. It is distinct from internal/singleflight (used by
// the L1 package's own GetOrLoad convenience method): this collapser
// publishes its in-flight marker into the shared L1 memory tier itself,
// rather than a private map, so the L1 tier's own TTL bookkeeping doubles
// as a safety net if a leader ever fails to clean up.
package collapse

import (
	"context"
	"time"

	"github.com/IvanBrykalov/layeredcache/cache"
)

// LazyTTL bounds how long a lazy marker may live in L1 if its leader never
// removes it (e.g. the process crashed mid-computation).
const LazyTTL = 5 * time.Minute

// call is the in-flight marker published into L1 under the lazy key.
// It is stored as `any`, so lookups must type-assert back to *call[T].
type call[T any] struct {
	done chan struct{}
	val  T
	ok   bool
	err  error
}

// Do ensures exactly one concurrent execution of fn for lazyKey: the first
// caller to observe lazyKey absent becomes the leader and runs fn; every
// other concurrent caller (follower) waits on the leader's result or its own
// ctx cancellation, without affecting the leader's execution. fn's bool
// result mirrors a miss/"no value" the same way Get's does; it is not an
// error and every waiter observes it identically.
func Do[T any](ctx context.Context, l1 cache.Cache[string, any], lazyKey string, fn func() (T, bool, error)) (T, bool, error) {
	for {
		c := &call[T]{done: make(chan struct{})}
		if l1.Add(lazyKey, c) {
			// Leader: Add only claims the slot with L1's DefaultTTL (which may
			// be zero or arbitrary); fix the TTL to this collapser's own bound
			// before anyone else could plausibly observe a stale one.
			l1.SetWithTTL(lazyKey, c, LazyTTL)

			val, ok, err := fn()
			c.val, c.ok, c.err = val, ok, err
			close(c.done)
			l1.Remove(lazyKey)
			return val, ok, err
		}

		raw, ok := l1.Get(lazyKey)
		if !ok {
			// The leader already finished and cleaned up between our Add and
			// this Get; retry and likely become the new leader.
			continue
		}
		existing, ok := raw.(*call[T])
		if !ok {
			// A marker of a different type occupies this key (shouldn't
			// happen: lazyKey is scoped by FormattedKey, which embeds the
			// type tag). Treat as transient and retry.
			continue
		}

		select {
		case <-existing.done:
			return existing.val, existing.ok, existing.err
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		}
	}
}
