package layeredcache

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/layeredcache/internal/collapse"
)

const lazyKeySuffix = "_Lazy"

// Get performs a read-through lookup across L1, L2, and L3 in order,
// returning on the first hit. Unlike GetOrCreate, a hit below L1 is NOT
// promoted into the faster tiers - Get is the non-promoting read.
func Get[T any](c *Cache, ctx context.Context, key string) (T, bool, error) {
	var zero T
	if rejectInterfaceType[T]() {
		return zero, false, ErrInterfaceType
	}
	fk := formatKey[T](c.prefix, c.serializer.Tag(), key)

	if v, ok := c.l1.Get(fk); ok {
		tv, ok := l1Unwrap[T](v)
		if !ok {
			return zero, false, nil
		}
		return tv, true, nil
	}

	if c.l2 != nil {
		if raw, _, ok := c.l2.GetRaw(fk); ok {
			v, err := deserializeValue[T](c, raw)
			if err != nil {
				c.log.Warn("layeredcache: L2 deserialize failed, treating as miss", zap.String("key", key), zap.Error(err))
				return zero, false, nil
			}
			return v, true, nil
		}
	}

	if c.l3 != nil {
		raw, _, ok, err := c.l3.Get(ctx, fk)
		if err != nil {
			c.log.Warn("layeredcache: L3 get failed, treating as miss", zap.String("key", key), zap.Error(err))
			return zero, false, nil
		}
		if ok {
			v, err := deserializeValue[T](c, raw)
			if err != nil {
				c.log.Warn("layeredcache: L3 deserialize failed, treating as miss", zap.String("key", key), zap.Error(err))
				return zero, false, nil
			}
			return v, true, nil
		}
	}

	return zero, false, nil
}

// Set writes value to every enabled tier, jittering the TTL once so it is
// consistent across tiers.
func Set[T any](c *Cache, ctx context.Context, key string, value T, params CacheParameters) error {
	if rejectInterfaceType[T]() {
		return ErrInterfaceType
	}
	fk := formatKey[T](c.prefix, c.serializer.Tag(), key)
	raw, err := serializeValue[T](c, value)
	if err != nil {
		return err
	}
	return c.writeAllTiers(ctx, fk, value, raw, params)
}

// writeAllTiers writes the already-serialized raw bytes to L2/L3 and the
// original value to L1. An L2 write failure is logged and swallowed; an L3
// write failure is returned to the caller (via multierr).
func (c *Cache) writeAllTiers(ctx context.Context, fk string, value any, raw []byte, params CacheParameters) error {
	p := params.normalize(c.defaultTTL)
	ttl := c.jitteredTTL(p.Duration)

	c.l1.SetWithTTL(fk, &l1Entry{value: value, cost: estimatedCost(p.Size, raw)}, ttl)

	var errs error
	if c.l2 != nil {
		expiresAt := time.Time{}
		if ttl > 0 {
			expiresAt = time.Unix(0, c.clock.NowUnixNano()).Add(ttl).UTC()
		}
		if err := c.l2.SetRaw(fk, raw, expiresAt); err != nil {
			c.log.Warn("layeredcache: L2 write failed", zap.String("formattedKey", fk), zap.Error(err))
		}
	}
	if c.l3 != nil {
		if err := c.l3.Set(ctx, fk, raw, ttl); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Delete removes key from every enabled tier. L1/L2 removal is best-effort
// (local swallow); an L3 failure is surfaced since other processes may still
// see the stale value.
func Delete[T any](c *Cache, ctx context.Context, key string) error {
	if rejectInterfaceType[T]() {
		return ErrInterfaceType
	}
	fk := formatKey[T](c.prefix, c.serializer.Tag(), key)
	return c.deleteAllTiers(ctx, fk)
}

func (c *Cache) deleteAllTiers(ctx context.Context, fk string) error {
	c.l1.Remove(fk)
	if c.l2 != nil {
		c.l2.Remove(fk)
	}
	if c.l3 != nil {
		if err := c.l3.Delete(ctx, fk); err != nil {
			return err
		}
	}
	return nil
}

// GetOrCreate returns the cached value for key, computing it via factory on
// a full miss. Concurrent GetOrCreate calls for the same key collapse into a
// single factory execution. Unlike Get, a hit below L1 IS promoted upward.
// factory may report ok=false ("no value"); that result is returned to every
// collapsed waiter but never written to any tier - a null is never cached.
func GetOrCreate[T any](c *Cache, ctx context.Context, key string, state any, factory func(*GetOrCreateContext) (T, bool, error)) (T, bool, error) {
	var zero T
	if rejectInterfaceType[T]() {
		return zero, false, ErrInterfaceType
	}
	fk := formatKey[T](c.prefix, c.serializer.Tag(), key)

	if v, ok := c.l1.Get(fk); ok {
		if tv, ok := l1Unwrap[T](v); ok {
			return tv, true, nil
		}
	}

	lazyKey := fk + lazyKeySuffix
	return collapse.Do[T](ctx, c.l1, lazyKey, func() (T, bool, error) {
		return computeOrCreate[T](c, ctx, fk, key, state, factory)
	})
}

// computeOrCreate runs inside the single-flight leader's critical section:
// it re-checks L1, then L2, then L3, promoting any hit it finds into the
// faster tiers, and only calls factory on a full miss across all three. A
// factory error or a serialize failure purges the key from every tier and
// the error is rethrown to every waiter; a factory "no value" result skips
// the write-through entirely.
func computeOrCreate[T any](c *Cache, ctx context.Context, fk, userKey string, state any, factory func(*GetOrCreateContext) (T, bool, error)) (T, bool, error) {
	var zero T

	// Double-check: another caller may have populated L1 between the fast
	// path above and winning leadership of the collapser.
	if v, ok := c.l1.Get(fk); ok {
		if tv, ok := l1Unwrap[T](v); ok {
			return tv, true, nil
		}
	}

	if c.l2 != nil {
		if raw, expiresAt, ok := c.l2.GetRaw(fk); ok {
			v, err := deserializeValue[T](c, raw)
			if err == nil {
				dur := c.remainingOrDefault(expiresAt)
				c.l1.SetWithTTL(fk, &l1Entry{value: v, cost: estimatedCost(0, raw)}, c.jitteredTTL(dur))
				return v, true, nil
			}
			c.log.Warn("layeredcache: L2 deserialize failed in GetOrCreate, falling through", zap.String("key", userKey), zap.Error(err))
		}
	}

	if c.l3 != nil {
		raw, ttl, ok, err := c.l3.Get(ctx, fk)
		if err != nil {
			c.log.Warn("layeredcache: L3 get failed in GetOrCreate, falling through", zap.String("key", userKey), zap.Error(err))
		} else if ok {
			v, err := deserializeValue[T](c, raw)
			if err == nil {
				// Promote with the remaining L3 TTL (not a fresh default
				// one), so L1/L2 never end up living longer than the
				// distributed record they were sourced from.
				dur := ttl
				if dur <= 0 {
					dur = c.defaultTTL
				}
				promotedTTL := c.jitteredTTL(dur)
				c.l1.SetWithTTL(fk, &l1Entry{value: v, cost: estimatedCost(0, raw)}, promotedTTL)
				if c.l2 != nil {
					expiresAt := time.Time{}
					if promotedTTL > 0 {
						expiresAt = time.Unix(0, c.clock.NowUnixNano()).Add(promotedTTL).UTC()
					}
					if err := c.l2.SetRaw(fk, raw, expiresAt); err != nil {
						c.log.Warn("layeredcache: L2 backfill failed", zap.String("key", userKey), zap.Error(err))
					}
				}
				return v, true, nil
			}
			c.log.Warn("layeredcache: L3 deserialize failed in GetOrCreate, falling through", zap.String("key", userKey), zap.Error(err))
		}
	}

	factoryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	goc := &GetOrCreateContext{Key: userKey, State: state, ctx: factoryCtx, cancel: cancel}

	val, ok, err := factory(goc)
	if err != nil {
		if derr := c.deleteAllTiers(ctx, fk); derr != nil {
			c.log.Warn("layeredcache: purging tiers after factory error failed", zap.String("key", userKey), zap.Error(derr))
		}
		return zero, false, err
	}
	if !ok {
		// No value: per the no-null-caching rule, write through nothing.
		return zero, false, nil
	}

	raw, err := serializeValue[T](c, val)
	if err != nil {
		if derr := c.deleteAllTiers(ctx, fk); derr != nil {
			c.log.Warn("layeredcache: purging tiers after serialize error failed", zap.String("key", userKey), zap.Error(derr))
		}
		return zero, false, err
	}
	if err := c.writeAllTiers(ctx, fk, val, raw, goc.params); err != nil {
		c.log.Warn("layeredcache: write-through after GetOrCreate factory failed", zap.String("key", userKey), zap.Error(err))
		return val, true, err
	}
	return val, true, nil
}

// remainingOrDefault returns the time left until expiresAt, or the
// coordinator's default TTL if expiresAt is zero (no expiration on disk).
func (c *Cache) remainingOrDefault(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return c.defaultTTL
	}
	now := time.Unix(0, c.clock.NowUnixNano()).UTC()
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return c.defaultTTL
}
