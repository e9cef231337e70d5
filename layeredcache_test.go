package layeredcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type widget struct {
	Name  string
	Count int
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Options{
		KeyPrefix:      "testapp",
		DefaultTTL:     time.Minute,
		L1Capacity:     1024,
		FileDirectory:  t.TempDir(),
		FileAppName:    "testapp",
		EnableFileTier: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	in := widget{Name: "bolt", Count: 7}
	if err := Set[widget](c, ctx, "k1", in, CacheParameters{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	out, ok, err := Get[widget](c, ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get: out=%v ok=%v err=%v", out, ok, err)
	}
	if out != in {
		t.Fatalf("got %+v want %+v", out, in)
	}
}

func TestCache_GetMissReturnsFalse(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	_, ok, err := Get[widget](c, ctx, "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected a miss")
	}
}

func TestCache_InterfaceTypeRejected(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	_, _, err := Get[any](c, ctx, "k1")
	if !errors.Is(err, ErrInterfaceType) {
		t.Fatalf("expected ErrInterfaceType, got %v", err)
	}
	err = Set[any](c, ctx, "k1", widget{}, CacheParameters{})
	if !errors.Is(err, ErrInterfaceType) {
		t.Fatalf("expected ErrInterfaceType from Set, got %v", err)
	}
}

func TestCache_Delete(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	if err := Set[widget](c, ctx, "k1", widget{Name: "x"}, CacheParameters{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Delete[widget](c, ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := Get[widget](c, ctx, "k1"); ok {
		t.Fatal("expected a miss after Delete")
	}
}

func TestCache_GetDoesNotPromoteL2Hit(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	if err := Set[widget](c, ctx, "k1", widget{Name: "a"}, CacheParameters{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c.l1.Remove(formatKey[widget](c.prefix, c.serializer.Tag(), "k1"))

	if _, ok, err := Get[widget](c, ctx, "k1"); err != nil || !ok {
		t.Fatalf("expected L2 hit: ok=%v err=%v", ok, err)
	}
	if _, ok := c.l1.Get(formatKey[widget](c.prefix, c.serializer.Tag(), "k1")); ok {
		t.Fatal("Get must not promote an L2 hit into L1")
	}
}

func TestCache_GetOrCreatePromotesL2Hit(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	if err := Set[widget](c, ctx, "k1", widget{Name: "a"}, CacheParameters{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c.l1.Remove(formatKey[widget](c.prefix, c.serializer.Tag(), "k1"))

	calls := atomic.Int32{}
	out, ok, err := GetOrCreate[widget](c, ctx, "k1", nil, func(*GetOrCreateContext) (widget, bool, error) {
		calls.Add(1)
		return widget{Name: "should-not-be-called"}, true, nil
	})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !ok {
		t.Fatal("expected an L2 hit to report ok=true")
	}
	if out.Name != "a" {
		t.Fatalf("expected the L2 value to win, got %+v", out)
	}
	if calls.Load() != 0 {
		t.Fatal("factory must not run on an L2 hit")
	}
	if _, ok := c.l1.Get(formatKey[widget](c.prefix, c.serializer.Tag(), "k1")); !ok {
		t.Fatal("GetOrCreate must promote an L2 hit into L1")
	}
}

func TestCache_GetOrCreate_SingleFlight(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	start := make(chan struct{})

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			<-start
			out, _, err := GetOrCreate[widget](c, ctx, "shared", nil, func(*GetOrCreateContext) (widget, bool, error) {
				calls.Add(1)
				time.Sleep(20 * time.Millisecond)
				return widget{Name: "computed", Count: 1}, true, nil
			})
			if err != nil {
				return err
			}
			if out.Name != "computed" {
				t.Errorf("unexpected value %+v", out)
			}
			return nil
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one factory execution, got %d", calls.Load())
	}
}

func TestCache_GetOrCreate_FactoryErrorPropagates(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	// Seed every tier first, so a subsequent factory error must be seen to
	// actually purge them rather than merely fail to populate an empty one.
	if err := Set[widget](c, ctx, "k1", widget{Name: "stale"}, CacheParameters{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	fk := formatKey[widget](c.prefix, c.serializer.Tag(), "k1")

	wantErr := errors.New("boom")
	_, ok, err := GetOrCreate[widget](c, ctx, "k1", nil, func(*GetOrCreateContext) (widget, bool, error) {
		return widget{}, false, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected factory error to propagate, got %v", err)
	}
	if ok {
		t.Fatal("a failed factory must report ok=false")
	}
	if _, ok := c.l1.Get(fk); ok {
		t.Fatal("a failed factory must purge the stale L1 entry")
	}
	if _, _, ok := c.l2.GetRaw(fk); ok {
		t.Fatal("a failed factory must purge the stale L2 entry")
	}
	if _, ok, _ := Get[widget](c, ctx, "k1"); ok {
		t.Fatal("a failed factory must not leave the cache populated")
	}
}

func TestCache_GetOrCreate_NoValueIsNeverCached(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()
	fk := formatKey[widget](c.prefix, c.serializer.Tag(), "k1")

	var calls atomic.Int32
	noValue := func(*GetOrCreateContext) (widget, bool, error) {
		calls.Add(1)
		return widget{}, false, nil
	}

	out, ok, err := GetOrCreate[widget](c, ctx, "k1", nil, noValue)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false when the factory declines to cache a value")
	}
	if out != (widget{}) {
		t.Fatalf("expected the zero value on a no-value result, got %+v", out)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one factory call, got %d", calls.Load())
	}
	if _, ok := c.l1.Get(fk); ok {
		t.Fatal("a no-value factory result must not populate L1")
	}
	if _, _, ok := c.l2.GetRaw(fk); ok {
		t.Fatal("a no-value factory result must not populate L2")
	}

	// A later GetOrCreate call must re-invoke the factory rather than treat
	// the prior no-value result as a cached miss marker.
	want := widget{Name: "computed"}
	out, ok, err = GetOrCreate[widget](c, ctx, "k1", nil, func(*GetOrCreateContext) (widget, bool, error) {
		calls.Add(1)
		return want, true, nil
	})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !ok || out != want {
		t.Fatalf("expected the second factory's value to be cached, got out=%+v ok=%v", out, ok)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected the factory to run again after a no-value result, got %d calls", calls.Load())
	}
}

func TestCache_ByteSlicePassthroughBypassesSerializer(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	raw := []byte{0x00, 0x01, 0xFF, 0xAB}
	if err := Set[[]byte](c, ctx, "blob", raw, CacheParameters{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	out, ok, err := Get[[]byte](c, ctx, "blob")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(out) != string(raw) {
		t.Fatalf("got %v want %v", out, raw)
	}
}

func TestCache_TTLJitterStaysWithinConfiguredBounds(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	base := 10 * time.Minute
	for i := 0; i < 200; i++ {
		got := c.jitteredTTL(base)
		if got < base || got > time.Duration(float64(base)*2.2) {
			t.Fatalf("jittered TTL %v out of bounds for base %v", got, base)
		}
	}
}

func TestCache_SizeParameterDrivesL1CostEviction(t *testing.T) {
	t.Parallel()
	c, err := New(Options{
		KeyPrefix:  "testapp",
		DefaultTTL: time.Minute,
		L1Capacity: 1024,
		L1MaxCost:  10,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	if err := Set[widget](c, ctx, "big", widget{Name: "a"}, CacheParameters{Size: 8}); err != nil {
		t.Fatalf("Set big: %v", err)
	}
	if err := Set[widget](c, ctx, "also-big", widget{Name: "b"}, CacheParameters{Size: 8}); err != nil {
		t.Fatalf("Set also-big: %v", err)
	}

	// Total cost (16) exceeds MaxCost (10); the tier must have evicted
	// something to stay under budget rather than growing unbounded.
	if c.l1.Len() >= 2 {
		t.Fatalf("expected cost-based eviction to keep fewer than 2 entries, got %d", c.l1.Len())
	}
}

func TestCache_FlushallNotificationClearsL1AndL2(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	fk := formatKey[widget](c.prefix, c.serializer.Tag(), "k1")
	if err := Set[widget](c, ctx, "k1", widget{Name: "a"}, CacheParameters{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c.handleKeyChanged("__flushall__")
	if c.l1.Len() != 0 {
		t.Fatalf("expected L1 to be empty after a flushall notification, len=%d", c.l1.Len())
	}
	if _, _, ok := c.l2.GetRaw(fk); ok {
		t.Fatal("expected the file tier to be cleared by a flushall notification")
	}
}

func TestCache_PrefixedKeyNotificationRemovesFromL1AndL2(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	ctx := context.Background()

	if err := Set[widget](c, ctx, "k1", widget{Name: "a"}, CacheParameters{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	fk := formatKey[widget](c.prefix, c.serializer.Tag(), "k1")
	c.handleKeyChanged(fk)

	if _, ok := c.l1.Get(fk); ok {
		t.Fatal("expected L1 entry to be removed by the notification")
	}
	if _, _, ok := c.l2.GetRaw(fk); ok {
		t.Fatal("expected L2 entry to be removed by the notification")
	}
}
