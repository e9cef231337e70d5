package layeredcache

import (
	"context"
	"time"
)

// GetOrCreateContext is passed to the factory function supplied to
// GetOrCreate. It lets the factory report how the freshly-computed value
// should be cached and cancel the surrounding operation early.
type GetOrCreateContext struct {
	// Key is the user-supplied key (not the internal FormattedKey).
	Key string
	// State is an opaque value the caller may stash at the GetOrCreate call
	// site and read back inside the factory (e.g. a request-scoped tracer).
	State any

	ctx    context.Context
	cancel context.CancelFunc
	params CacheParameters
}

// Context returns the context governing this call, derived from the one
// passed to GetOrCreate.
func (c *GetOrCreateContext) Context() context.Context { return c.ctx }

// Cancel cancels the context returned by Context, i.e. the factory's own
// context. It does not cancel the contexts of callers collapsed onto this
// computation; they receive whatever the factory then returns.
func (c *GetOrCreateContext) Cancel() { c.cancel() }

// SetDuration overrides how long the computed value should live. Zero
// reverts to the coordinator's default TTL.
func (c *GetOrCreateContext) SetDuration(d time.Duration) { c.params.Duration = d }

// SetSize overrides the logical cost fed to L1's cost-based eviction.
func (c *GetOrCreateContext) SetSize(n int64) { c.params.Size = n }
