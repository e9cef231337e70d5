package layeredcache

import (
	"context"
	"fmt"
	"time"

	"github.com/IvanBrykalov/layeredcache/distributed"
)

// TryAcquireLock acquires a named distributed lock, retrying every 100ms
// until it succeeds or timeout elapses (timeout<=0 means try once). The
// lock is independent of any cached key; name is namespaced under the
// coordinator's prefix so locks from different services never collide.
func (c *Cache) TryAcquireLock(ctx context.Context, name string, hold, timeout time.Duration) (*distributed.LockHandle, error) {
	if c.l3 == nil {
		return nil, fmt.Errorf("layeredcache: TryAcquireLock requires the distributed tier to be enabled")
	}
	return c.l3.TryAcquireLock(ctx, c.prefix+":lock:"+name, hold, timeout)
}
