// Package spinlock implements a fixed-size, key-sharded spinlock: a single
// process-wide array of lock slots, each protecting whichever keys happen to
// hash into it. Two distinct keys landing on the same slot serialize behind
// each other; this is a deliberate trade (bounded memory, O(1) lookup) rather
// than a per-key mutex map that would grow without bound.
package spinlock

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/layeredcache/internal/util"
)

// DefaultSlots is a reasonable default slot count for typical workloads.
const DefaultSlots = 512

// slot is a single CAS lock padded to a full cache line so that adjacent
// slots never false-share, mirroring cache/shard.go's padded counters.
type slot struct {
	state atomic.Uint32
	_     [util.CacheLineSize - 4]byte
}

// Locker is a fixed-size array of independently lockable slots, selected by
// hashing the caller's key. It does not allocate per key.
type Locker struct {
	slots []slot
}

// New constructs a Locker with n slots, rounded up to the next power of two
// (0 or negative falls back to DefaultSlots).
func New(n int) *Locker {
	if n <= 0 {
		n = DefaultSlots
	}
	n = int(util.NextPow2(uint64(n)))
	return &Locker{slots: make([]slot, n)}
}

// Guard releases the slot acquired by Lock. Unlock is idempotent only for a
// single matched call; calling it twice for the same Lock is a programmer error.
type Guard struct {
	s *slot
}

// Unlock releases the slot.
func (g Guard) Unlock() {
	g.s.state.Store(0)
}

// Lock acquires the slot that key hashes to, spinning with escalating
// backoff: a few rounds of runtime.Gosched(), then 1ms sleeps, then 20ms
// sleeps for any lock held long enough to suggest contention from blocking
// I/O rather than a short critical section.
func (l *Locker) Lock(key string) Guard {
	s := &l.slots[l.index(key)]
	for attempt := 0; ; attempt++ {
		if s.state.CompareAndSwap(0, 1) {
			return Guard{s: s}
		}
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

// TryLock attempts to acquire the slot without blocking.
func (l *Locker) TryLock(key string) (Guard, bool) {
	s := &l.slots[l.index(key)]
	if s.state.CompareAndSwap(0, 1) {
		return Guard{s: s}, true
	}
	return Guard{}, false
}

func (l *Locker) index(key string) uint64 {
	h := util.Fnv64a[string](key)
	return h & uint64(len(l.slots)-1)
}
