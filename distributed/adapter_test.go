package distributed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStore is a minimal in-memory Store for adapter tests, in the same
// spirit as cache's fakeClock: a small hand-rolled double instead of a real
// network dependency.
type fakeStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	expires  map[string]time.Time // absent/zero means no expiration
	locks    map[string]string
	events   chan KeyEvent
	failNext int // number of subsequent Get/Set calls to fail with a generic error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data:    make(map[string][]byte),
		expires: make(map[string]time.Time),
		locks:   make(map[string]string),
		events:  make(chan KeyEvent, 16),
	}
}

func (f *fakeStore) maybeFail() error {
	if f.failNext > 0 {
		f.failNext--
		return errors.New("fake store failure")
	}
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, time.Duration, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return nil, 0, false, err
	}
	v, ok := f.data[key]
	if !ok {
		return nil, 0, false, nil
	}
	var ttl time.Duration
	if exp, has := f.expires[key]; has && !exp.IsZero() {
		ttl = time.Until(exp)
	}
	return v, ttl, true, nil
}

func (f *fakeStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.data[key] = value
	if ttl > 0 {
		f.expires[key] = time.Now().Add(ttl)
	} else {
		delete(f.expires, key)
	}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	delete(f.expires, key)
	return nil
}

func (f *fakeStore) TryLock(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.locks[key]; held {
		return false, nil
	}
	f.locks[key] = token
	return true, nil
}

func (f *fakeStore) Unlock(_ context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] != token {
		return ErrLockNotHeld
	}
	delete(f.locks, key)
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, _ ...string) (<-chan KeyEvent, error) {
	out := make(chan KeyEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

func newTestAdapter(t *testing.T, store *fakeStore) *Adapter {
	t.Helper()
	ctx := context.Background()
	a, err := New(ctx, Options{
		Connect: func(context.Context) (Store, error) { return store, nil },
		Prefix:  "myapp:",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAdapter_SetGetDelete(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	a := newTestAdapter(t, store)
	ctx := context.Background()

	if err := a.Set(ctx, "myapp:widget:json:1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ttl, ok, err := a.Get(ctx, "myapp:widget:json:1")
	if err != nil || !ok {
		t.Fatalf("Get: v=%v ok=%v err=%v", v, ok, err)
	}
	if string(v) != "v1" {
		t.Fatalf("Get value = %q", v)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("Get ttl = %v, want (0, 1m]", ttl)
	}
	if err := a.Delete(ctx, "myapp:widget:json:1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, ok, _ := a.Get(ctx, "myapp:widget:json:1"); ok {
		t.Fatal("expected miss after Delete")
	}
}

func TestAdapter_KeyChangeNotification(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	a := newTestAdapter(t, store)

	received := make(chan string, 1)
	a.OnKeyChanged(func(key string) { received <- key })

	store.events <- KeyEvent{Key: "myapp:widget:json:9"}

	select {
	case key := <-received:
		if key != "myapp:widget:json:9" {
			t.Fatalf("got key %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for key-change notification")
	}
}

func TestAdapter_LockMutualExclusion(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	a := newTestAdapter(t, store)
	ctx := context.Background()

	h, err := a.TryAcquireLock(ctx, "myapp:lock:job", time.Minute, 0)
	if err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if _, err := a.TryAcquireLock(ctx, "myapp:lock:job", time.Minute, 0); err == nil {
		t.Fatal("expected second lock attempt to fail while held")
	}
	if err := h.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	h2, err := a.TryAcquireLock(ctx, "myapp:lock:job", time.Minute, 0)
	if err != nil {
		t.Fatalf("expected lock to be acquirable after Unlock: %v", err)
	}
	_ = h2.Unlock(ctx)
}

func TestAdapter_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.failNext = breakerMaxConsecutiveFailures
	a := newTestAdapter(t, store)
	ctx := context.Background()

	var lastErr error
	for i := 0; i < breakerMaxConsecutiveFailures; i++ {
		_, _, _, lastErr = a.Get(ctx, "myapp:widget:json:1")
	}
	if lastErr == nil {
		t.Fatal("expected the underlying failures to surface")
	}

	_, _, _, err := a.Get(ctx, "myapp:widget:json:1")
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen once the breaker trips, got %v", err)
	}
}
