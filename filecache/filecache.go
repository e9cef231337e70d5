// Package filecache is the L2, on-disk cache tier: a directory of small
// binary-framed files keyed by a hashed filename, with a background
// free-space reclaim loop so the tier is self-limiting rather than
// unbounded.
package filecache

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/layeredcache/clock"
	"github.com/IvanBrykalov/layeredcache/internal/diskspace"
	"github.com/IvanBrykalov/layeredcache/internal/spinlock"
)

// DefaultFreeSpaceThresholdPct is the free-ratio below which the reclaim
// loop starts deleting entries, expressed as a fraction (0.15 = 15%).
const DefaultFreeSpaceThresholdPct = 0.15

// DefaultReclaimInterval is how often the background loop checks free space.
const DefaultReclaimInterval = 10 * time.Second

// invalidPathChars mirrors the characters most filesystems reject in a
// single path component; AppName is validated against these so a
// misconfigured caller fails at New rather than at the first Set. Dir is
// not checked against this set.
const invalidPathChars = "<>:\"|?*\x00"

// Metrics receives tier-scoped counters. A nil Metrics is treated as a no-op.
type Metrics interface {
	Hit()
	Miss()
	Evict()
	Size(entries int, bytes int64)
}

// Config configures a Cache. Dir and AppName combine into the tier's root
// directory: filepath.Join(Dir, AppName, "FileCache"). Dir may be the
// sentinel "%temp%" to mean os.TempDir().
type Config struct {
	Dir              string
	AppName          string
	ThresholdPct     float64 // free-ratio floor; 0 uses DefaultFreeSpaceThresholdPct
	ReclaimInterval  time.Duration
	FilenameEncoding FilenameEncoding
	Locks            *spinlock.Locker
	Clock            clock.Clock
	Logger           *zap.Logger
	Metrics          Metrics
}

// Cache is the on-disk L2 tier.
type Cache struct {
	root         string
	thresholdPct float64
	encoding     FilenameEncoding
	locks        *spinlock.Locker
	clock        clock.Clock
	log          *zap.Logger
	metrics      Metrics

	dirLocked atomic.Bool // set while Clear() is rebuilding the root directory

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New validates cfg and returns a ready Cache with its reclaim loop running.
func New(cfg Config) (*Cache, error) {
	dir := cfg.Dir
	if dir == "%temp%" {
		dir = os.TempDir()
	}
	if dir == "" {
		return nil, fmt.Errorf("filecache: Dir must not be empty")
	}
	if cfg.AppName == "" {
		return nil, fmt.Errorf("filecache: AppName must not be empty")
	}
	if strings.ContainsAny(cfg.AppName, invalidPathChars) {
		return nil, fmt.Errorf("filecache: AppName %q contains characters invalid in a path component", cfg.AppName)
	}

	root := filepath.Join(dir, cfg.AppName, "FileCache")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("filecache: creating root %q: %w", root, err)
	}

	threshold := cfg.ThresholdPct
	if threshold <= 0 {
		threshold = DefaultFreeSpaceThresholdPct
	}
	interval := cfg.ReclaimInterval
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	locks := cfg.Locks
	if locks == nil {
		locks = spinlock.New(spinlock.DefaultSlots)
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.System{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	c := &Cache{
		root:         root,
		thresholdPct: threshold,
		encoding:     cfg.FilenameEncoding,
		locks:        locks,
		clock:        cl,
		log:          log,
		metrics:      metrics,
		closeCh:      make(chan struct{}),
	}

	c.wg.Add(1)
	go c.reclaimLoop(interval)

	return c, nil
}

// Close stops the reclaim loop. It does not delete any files.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	c.wg.Wait()
	return nil
}

// path returns the absolute file path for a given hashed filename.
func (c *Cache) path(filename string) string {
	return filepath.Join(c.root, filename)
}

// GetRaw returns the raw payload bytes stored under key, the expiration
// instant (zero Time means no expiration), and whether the entry was found
// and not expired. An expired entry is removed as a side effect.
func (c *Cache) GetRaw(key string) ([]byte, time.Time, bool) {
	filename, err := hashFilename(key, c.encoding)
	if err != nil {
		c.log.Warn("filecache: hash filename", zap.Error(err))
		return nil, time.Time{}, false
	}

	c.waitForDirUnlocked()
	g := c.locks.Lock(filename)
	defer g.Unlock()

	data, err := os.ReadFile(c.path(filename))
	if err != nil {
		c.metrics.Miss()
		return nil, time.Time{}, false
	}
	rec, err := decodeRecord(data)
	if err != nil {
		c.log.Warn("filecache: corrupt record", zap.String("key", key), zap.Error(err))
		_ = os.Remove(c.path(filename))
		c.metrics.Miss()
		return nil, time.Time{}, false
	}

	expiresAt := timeFromTicks(rec.expiresTicks)
	if !expiresAt.IsZero() && !expiresAt.After(c.now()) {
		_ = os.Remove(c.path(filename))
		c.metrics.Miss()
		return nil, time.Time{}, false
	}

	c.metrics.Hit()
	return rec.payload, expiresAt, true
}

// SetRaw writes payload under key with the given absolute expiration
// (zero Time means no expiration). The write is atomic: it writes to a
// temp file in the same directory and renames over the target.
func (c *Cache) SetRaw(key string, payload []byte, expiresAt time.Time) error {
	filename, err := hashFilename(key, c.encoding)
	if err != nil {
		return fmt.Errorf("filecache: hash filename: %w", err)
	}

	buf, err := encodeRecord(fileRecord{expiresTicks: ticksFromTime(expiresAt), payload: payload})
	if err != nil {
		return err
	}

	c.waitForDirUnlocked()
	g := c.locks.Lock(filename)
	defer g.Unlock()

	target := c.path(filename)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("filecache: write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("filecache: rename into place: %w", err)
	}
	return nil
}

// Remove deletes the entry for key, if present. It reports whether a file
// was actually removed.
func (c *Cache) Remove(key string) bool {
	filename, err := hashFilename(key, c.encoding)
	if err != nil {
		return false
	}
	c.waitForDirUnlocked()
	g := c.locks.Lock(filename)
	defer g.Unlock()
	err = os.Remove(c.path(filename))
	return err == nil
}

// waitForDirUnlocked spins until Clear's directory rebuild finishes, using
// the same escalating backoff as internal/spinlock so a GetRaw/SetRaw/Remove
// never reads or writes the root directory mid-RemoveAll/MkdirAll.
func (c *Cache) waitForDirUnlocked() {
	for attempt := 0; c.dirLocked.Load(); attempt++ {
		switch {
		case attempt < 9:
			runtime.Gosched()
		case attempt < 49:
			time.Sleep(time.Millisecond)
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// Clear deletes every entry by recreating the root directory. Concurrent
// Get/Set callers spin on dirLocked (see waitForDirUnlocked) until the
// rebuild completes, matching the per-key locks' backoff style.
func (c *Cache) Clear() error {
	c.dirLocked.Store(true)
	defer c.dirLocked.Store(false)

	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		lastErr = os.RemoveAll(c.root)
		if lastErr == nil {
			if lastErr = os.MkdirAll(c.root, 0o755); lastErr == nil {
				return nil
			}
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("filecache: clear failed after retries: %w", lastErr)
}

func (c *Cache) now() time.Time {
	return time.Unix(0, c.clock.NowUnixNano()).UTC()
}

type noopMetrics struct{}

func (noopMetrics) Hit()             {}
func (noopMetrics) Miss()            {}
func (noopMetrics) Evict()           {}
func (noopMetrics) Size(int, int64)  {}
