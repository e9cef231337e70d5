package layeredcache

// l1Entry wraps every value stored in the memory tier together with its
// logical cost, so L1's cost-based eviction (cache.Options.Cost/MaxCost) can
// see a per-entry size the coordinator computed from CacheParameters.Size or
// the serialized byte length, without the memory tier having to know how to
// serialize T itself.
type l1Entry struct {
	value any
	cost  int64
}

// l1Cost is wired in as cache.Options.Cost when constructing the memory
// tier: anything that isn't an *l1Entry (e.g. a single-flight marker
// published by internal/collapse under a lazy key) costs nothing.
func l1Cost(v any) int {
	e, ok := v.(*l1Entry)
	if !ok {
		return 0
	}
	return int(e.cost)
}

// l1Unwrap extracts a T out of whatever Get/Add returned from L1: normally
// an *l1Entry, but a stale single-flight marker racing a cleanup is treated
// as a miss rather than a panic.
func l1Unwrap[T any](v any) (T, bool) {
	var zero T
	e, ok := v.(*l1Entry)
	if !ok {
		return zero, false
	}
	tv, ok := e.value.(T)
	if !ok {
		return zero, false
	}
	return tv, true
}

// estimatedCost returns size if positive, else 2x the serialized byte
// length, the default cost estimate applied when a caller doesn't supply
// one explicitly.
func estimatedCost(size int64, raw []byte) int64 {
	if size > 0 {
		return size
	}
	return 2 * int64(len(raw))
}
