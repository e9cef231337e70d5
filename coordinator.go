// Package layeredcache is the Layered Coordinator: a three-tier cache
// façade (in-memory, on-disk, distributed) coordinated through
// read-through/write-through, single-flight load collapsing, per-key
// in-process locking, circuit-breaker isolation of the distributed tier,
// and cross-process invalidation.
package layeredcache

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/layeredcache/cache"
	"github.com/IvanBrykalov/layeredcache/clock"
	"github.com/IvanBrykalov/layeredcache/distributed"
	"github.com/IvanBrykalov/layeredcache/filecache"
	"github.com/IvanBrykalov/layeredcache/internal/spinlock"
	"github.com/IvanBrykalov/layeredcache/policy/lru"
	"github.com/IvanBrykalov/layeredcache/serialize"
)

// flushallSentinel appears in a key-change notification's key text to mean
// "every key in this process's memory tier should be dropped", mirroring a
// Redis FLUSHALL/FLUSHDB event rather than naming a single cache key.
const flushallSentinel = "__flushall__"

// Options configures a Cache.
type Options struct {
	// KeyPrefix namespaces every FormattedKey. It is used exactly as given:
	// New does not fill in a default (such as the application name) when it
	// is empty, and an empty prefix shares keys across services.
	KeyPrefix string

	// DefaultTTL is used whenever a CacheParameters leaves Duration at zero.
	DefaultTTL time.Duration

	// L1Capacity is the in-memory tier's entry capacity.
	L1Capacity int
	// L1Shards overrides the in-memory tier's shard count (0 = auto).
	L1Shards int
	// L1MaxCost bounds the in-memory tier's total cost (0 = unbounded).
	L1MaxCost int64

	// FileDirectory is the on-disk tier's base directory ("%temp%" for
	// os.TempDir()). Leave zero-value Enable* flags false to run with
	// fewer tiers (e.g. in tests).
	FileDirectory        string
	FileAppName          string
	FileThresholdPct     float64
	FileFilenameEncoding filecache.FilenameEncoding
	EnableFileTier       bool

	// Distributed enables the L3 tier; Connect dials the concrete store
	// (e.g. redisstore.New wrapped to satisfy distributed.Connector).
	EnableDistributedTier bool
	DistributedConnect    distributed.Connector

	SerializerTag string

	Logger *zap.Logger
	Clock  clock.Clock

	L1Metrics   cache.Metrics
	TierMetrics TierMetricsProvider
}

// TierMetricsProvider lets a caller plug in per-tier Prometheus metrics
// (see metrics/prom.TierAdapter.ForTier) without this package importing
// Prometheus directly.
type TierMetricsProvider interface {
	ForTier(tier string) filecache.Metrics
}

// Cache is the layered coordinator: L1 (memory) + L2 (disk, optional) + L3
// (distributed, optional), wired together per Options.
type Cache struct {
	opts       Options
	prefix     string
	defaultTTL time.Duration
	serializer serialize.Serializer

	l1 cache.Cache[string, any]
	l2 *filecache.Cache
	l3 *distributed.Adapter

	locks *spinlock.Locker
	clock clock.Clock
	log   *zap.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand

	closed  bool
	closeMu sync.Mutex
}

// New constructs a Cache. The memory tier (L1) is always started; the file
// and distributed tiers are started only when enabled in opts. A Cache with
// neither enabled keeps values in memory only.
func New(opts Options) (*Cache, error) {
	if opts.L1Capacity <= 0 {
		opts.L1Capacity = 100_000
	}
	if opts.SerializerTag == "" {
		opts.SerializerTag = "json-lz4"
	}
	ser, ok := serialize.ByName(opts.SerializerTag)
	if !ok {
		return nil, fmt.Errorf("layeredcache: unknown serializer tag %q", opts.SerializerTag)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cl := opts.Clock
	if cl == nil {
		cl = clock.System{}
	}
	l1Metrics := opts.L1Metrics
	if l1Metrics == nil {
		l1Metrics = cache.NoopMetrics{}
	}

	l1 := cache.New[string, any](cache.Options[string, any]{
		Capacity:   opts.L1Capacity,
		Shards:     opts.L1Shards,
		Policy:     lru.New[string, any](),
		DefaultTTL: opts.DefaultTTL,
		Cost:       l1Cost,
		MaxCost:    opts.L1MaxCost,
		Metrics:    l1Metrics,
		Clock:      cl,
	})

	locks := spinlock.New(spinlock.DefaultSlots)

	c := &Cache{
		opts:       opts,
		prefix:     opts.KeyPrefix,
		defaultTTL: opts.DefaultTTL,
		serializer: ser,
		l1:         l1,
		locks:      locks,
		clock:      cl,
		log:        log,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if opts.EnableFileTier {
		fileMetrics := filecache.Metrics(nil)
		if opts.TierMetrics != nil {
			fileMetrics = opts.TierMetrics.ForTier("l2")
		}
		l2, err := filecache.New(filecache.Config{
			Dir:              opts.FileDirectory,
			AppName:          opts.FileAppName,
			ThresholdPct:     opts.FileThresholdPct,
			FilenameEncoding: opts.FileFilenameEncoding,
			Locks:            locks,
			Clock:            cl,
			Logger:           log.Named("filecache"),
			Metrics:          fileMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("layeredcache: starting file tier: %w", err)
		}
		c.l2 = l2
	}

	if opts.EnableDistributedTier {
		if opts.DistributedConnect == nil {
			return nil, fmt.Errorf("layeredcache: EnableDistributedTier requires DistributedConnect")
		}
		l3, err := distributed.New(context.Background(), distributed.Options{
			Connect: opts.DistributedConnect,
			Prefix:  c.prefix + ":",
			Logger:  log.Named("distributed"),
		})
		if err != nil {
			return nil, fmt.Errorf("layeredcache: starting distributed tier: %w", err)
		}
		l3.OnKeyChanged(c.handleKeyChanged)
		c.l3 = l3
	}

	return c, nil
}

// Close releases every enabled tier. The memory tier's contents are
// dropped; the disk tier's files are left on disk.
func (c *Cache) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.l1.Clear()
	_ = c.l1.Close()
	var firstErr error
	if c.l2 != nil {
		if err := c.l2.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.l3 != nil {
		if err := c.l3.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Cache) jitteredTTL(d time.Duration) time.Duration {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return jitterTTL(d, c.rnd)
}

// handleKeyChanged reacts to a cross-process key-change notification: the
// flushall sentinel compacts the memory tier and clears the file tier,
// anything else under our prefix is dropped from L1 and L2.
func (c *Cache) handleKeyChanged(key string) {
	if strings.Contains(key, flushallSentinel) {
		c.l1.Clear()
		if c.l2 != nil {
			if err := c.l2.Clear(); err != nil {
				c.log.Warn("layeredcache: flushall notification, clearing file tier failed", zap.Error(err))
			}
		}
		c.log.Info("layeredcache: flushall notification, cleared memory and file tiers")
		return
	}
	if !strings.HasPrefix(key, c.prefix+":") {
		return
	}
	c.l1.Remove(key)
	if c.l2 != nil {
		c.l2.Remove(key)
	}
}
