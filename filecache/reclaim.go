package filecache

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/layeredcache/internal/diskspace"
)

// reclaimLoop runs until Close, checking free space every interval and, when
// it falls below thresholdPct, deleting files oldest-modified-first until
// free space recovers above the threshold or the directory is exhausted.
func (c *Cache) reclaimLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.reclaimOnce()
		}
	}
}

func (c *Cache) reclaimOnce() {
	if c.dirLocked.Load() {
		return
	}
	stats, err := diskspace.Probe(c.root)
	if err != nil {
		c.log.Warn("filecache: disk space probe failed", zap.Error(err))
		return
	}
	if stats.FreeRatio() >= c.thresholdPct {
		return
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		c.log.Warn("filecache: reading root for reclaim", zap.Error(err))
		return
	}

	type candidate struct {
		name    string
		modTime time.Time
	}
	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.Before(candidates[j].modTime) })

	for _, cand := range candidates {
		if c.dirLocked.Load() {
			return
		}
		g := c.locks.Lock(cand.name)
		_ = os.Remove(filepath.Join(c.root, cand.name))
		g.Unlock()
		c.metrics.Evict()

		stats, err = diskspace.Probe(c.root)
		if err != nil {
			return
		}
		if stats.FreeRatio() >= c.thresholdPct {
			return
		}
	}
}
