package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker tuning: five consecutive failures trip it, a 5s cooldown before a
// single half-open probe is allowed through.
const (
	breakerMaxConsecutiveFailures = 5
	breakerCooldown               = 5 * time.Second
	resubscribeCheckInterval      = 10 * time.Second
	defaultLockRetryInterval      = 100 * time.Millisecond
)

// ErrBreakerOpen is returned when a call is rejected because the circuit
// breaker is open (the distributed tier is considered unhealthy).
var ErrBreakerOpen = errors.New("distributed: circuit breaker open")

// Connector (re)establishes a Store connection. The Adapter calls it once at
// construction and again whenever a call fails with a replica-related error,
// so a caller can point it at a freshly-discovered primary.
type Connector func(ctx context.Context) (Store, error)

// Adapter wraps a Store with circuit-breaker fault isolation and the
// key-change subscription that drives cross-process cache invalidation.
type Adapter struct {
	connect Connector
	prefix  string
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	store Store

	listenersMu sync.Mutex
	listeners   []func(key string)

	subCancel context.CancelFunc
	subActive chan struct{} // closed when the active subscription goroutine exits

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// Options configures an Adapter.
type Options struct {
	Connect Connector
	Prefix  string
	Logger  *zap.Logger
}

// New constructs an Adapter, dials the initial Store, and starts the
// key-change subscription and its 10s resubscribe supervisor.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Connect == nil {
		return nil, fmt.Errorf("distributed: Connect is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	store, err := opts.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("distributed: initial connect: %w", err)
	}

	a := &Adapter{
		connect: opts.Connect,
		prefix:  opts.Prefix,
		log:     log,
		store:   store,
		closeCh: make(chan struct{}),
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "distributed-cache",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxConsecutiveFailures
		},
	})

	a.startSubscription(ctx)
	a.wg.Add(1)
	go a.resubscribeSupervisor(ctx)

	return a, nil
}

// OnKeyChanged registers a listener invoked for every key-change
// notification this process receives. fn is called from a background
// goroutine; it must not block.
func (a *Adapter) OnKeyChanged(fn func(key string)) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *Adapter) notifyListeners(key string) {
	a.listenersMu.Lock()
	fns := make([]func(string), len(a.listeners))
	copy(fns, a.listeners)
	a.listenersMu.Unlock()
	for _, fn := range fns {
		fn(key)
	}
}

func (a *Adapter) currentStore() Store {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.store
}

// Get reads key through the circuit breaker, along with its remaining TTL
// (0 means no expiration) so callers can honor TTL ordering across tiers.
func (a *Adapter) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	type result struct {
		val []byte
		ttl time.Duration
		ok  bool
	}
	r, err := a.call(ctx, func(ctx context.Context, s Store) (any, error) {
		v, ttl, ok, err := s.Get(ctx, key)
		return result{val: v, ttl: ttl, ok: ok}, err
	})
	if err != nil {
		return nil, 0, false, err
	}
	res := r.(result)
	return res.val, res.ttl, res.ok, nil
}

// Set writes key through the circuit breaker.
func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := a.call(ctx, func(ctx context.Context, s Store) (any, error) {
		return nil, s.Set(ctx, key, value, ttl)
	})
	return err
}

// Delete removes key through the circuit breaker.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	_, err := a.call(ctx, func(ctx context.Context, s Store) (any, error) {
		return nil, s.Delete(ctx, key)
	})
	return err
}

// LockHandle is a held distributed lock; call Unlock to release it.
type LockHandle struct {
	adapter *Adapter
	key     string
	token   string
}

// Unlock releases the lock if it is still held by this handle's token.
func (h *LockHandle) Unlock(ctx context.Context) error {
	_, err := h.adapter.call(ctx, func(ctx context.Context, s Store) (any, error) {
		return nil, s.Unlock(ctx, h.key, h.token)
	})
	return err
}

// TryAcquireLock attempts to acquire a distributed lock on key, retrying
// every 100ms until it succeeds or timeout elapses. timeout<=0 means try once.
func (a *Adapter) TryAcquireLock(ctx context.Context, key string, hold, timeout time.Duration) (*LockHandle, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("distributed: generating lock token: %w", err)
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		r, err := a.call(ctx, func(ctx context.Context, s Store) (any, error) {
			return s.TryLock(ctx, key, token, hold)
		})
		if err != nil {
			return nil, err
		}
		if r.(bool) {
			return &LockHandle{adapter: a, key: key, token: token}, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("distributed: lock %q busy", key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaultLockRetryInterval):
		}
	}
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// call executes fn against the current store through the circuit breaker,
// self-healing once on any error that mentions a replica failover.
func (a *Adapter) call(ctx context.Context, fn func(ctx context.Context, s Store) (any, error)) (any, error) {
	v, err := a.breaker.Execute(func() (any, error) {
		return fn(ctx, a.currentStore())
	})
	if err == nil {
		return v, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrBreakerOpen
	}
	if !looksLikeReplicaFailure(err) {
		return nil, err
	}

	a.log.Warn("distributed: replica failure detected, reconnecting", zap.Error(err))
	if rerr := a.reconnect(ctx); rerr != nil {
		a.log.Warn("distributed: reconnect failed", zap.Error(rerr))
		return nil, err
	}

	v, err2 := a.breaker.Execute(func() (any, error) {
		return fn(ctx, a.currentStore())
	})
	if err2 != nil {
		if errors.Is(err2, gobreaker.ErrOpenState) || errors.Is(err2, gobreaker.ErrTooManyRequests) {
			return nil, ErrBreakerOpen
		}
		return nil, err2
	}
	return v, nil
}

func looksLikeReplicaFailure(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "replica")
}

// reconnect re-dials the store and re-establishes the key-change subscription.
func (a *Adapter) reconnect(ctx context.Context) error {
	newStore, err := a.connect(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	old := a.store
	a.store = newStore
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	if a.subCancel != nil {
		a.subCancel()
	}
	a.startSubscription(ctx)
	return nil
}

// startSubscription (re)subscribes to this adapter's key-change patterns:
// every key under Prefix, plus the flushall sentinel.
func (a *Adapter) startSubscription(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	a.subCancel = cancel
	active := make(chan struct{})
	a.subActive = active

	store := a.currentStore()
	patterns := []string{a.prefix + "*", "*__flushall__*"}
	events, err := store.Subscribe(subCtx, patterns...)
	if err != nil {
		a.log.Warn("distributed: subscribe failed, will retry via supervisor", zap.Error(err))
		close(active)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(active)
		for ev := range events {
			a.notifyListeners(ev.Key)
		}
	}()
}

// resubscribeSupervisor periodically checks whether the subscription
// goroutine has exited (e.g. after a dropped connection) and restarts it.
func (a *Adapter) resubscribeSupervisor(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(resubscribeCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.closeCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-a.subActive:
				a.log.Info("distributed: key-change subscription dropped, resubscribing")
				a.startSubscription(ctx)
			default:
			}
		}
	}
}

// Close stops the subscription and releases the underlying store.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closeCh)
		if a.subCancel != nil {
			a.subCancel()
		}
	})
	a.wg.Wait()
	return a.currentStore().Close()
}
