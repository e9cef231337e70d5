// Package redisstore implements distributed.Store on top of Redis, chosen
// because the envelope this module's invalidation protocol uses,
// "__keyspace@<db>__:<key>", is literally Redis's own keyspace-notification
// channel naming convention (see "notify-keyspace-events" in redis.conf).
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/IvanBrykalov/layeredcache/distributed"
)

// unlockScript compares the value stored at KEYS[1] against ARGV[1] before
// deleting, so a caller can never release a lock it no longer holds.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Store is a distributed.Store backed by a single Redis client.
type Store struct {
	rdb    *redis.Client
	db     int
	unlock *redis.Script
}

// Config configures a Store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New dials Redis and returns a ready Store.
func New(cfg Config) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{rdb: rdb, db: cfg.DB, unlock: redis.NewScript(unlockScript)}
}

// NewFromClient wraps an already-constructed *redis.Client, e.g. a cluster
// or sentinel client configured upstream.
func NewFromClient(rdb *redis.Client, db int) *Store {
	return &Store{rdb: rdb, db: db, unlock: redis.NewScript(unlockScript)}
}

// Get implements distributed.Store. The value and its remaining TTL are
// fetched via a single pipeline (GET + PTTL) so a key can't expire between
// the two round trips and desynchronize the reported ttl from the value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	pttlCmd := pipe.PTTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, fmt.Errorf("redisstore: GET %s: %w", key, err)
	}

	v, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("redisstore: GET %s: %w", key, err)
	}

	ttl := pttlCmd.Val()
	if ttl < 0 {
		// -1 (no expiration) and -2 (raced miss between GET and PTTL) both
		// collapse to "no TTL information"; the key is known present from
		// the successful GET above, so it is never reported as a miss here.
		ttl = 0
	}
	return v, ttl, true, nil
}

// Set implements distributed.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: SET %s: %w", key, err)
	}
	return nil
}

// Delete implements distributed.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redisstore: DEL %s: %w", key, err)
	}
	return nil
}

// TryLock implements distributed.Store using SET key token NX PX ttl.
func (s *Store) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: SETNX %s: %w", key, err)
	}
	return ok, nil
}

// Unlock implements distributed.Store via a compare-and-delete Lua script.
func (s *Store) Unlock(ctx context.Context, key, token string) error {
	res, err := s.unlock.Run(ctx, s.rdb, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redisstore: unlock %s: %w", key, err)
	}
	if res == 0 {
		return distributed.ErrLockNotHeld
	}
	return nil
}

// Subscribe implements distributed.Store via PSUBSCRIBE on the Redis
// keyspace-notification channels matching patterns. Callers pass plain key
// glob patterns (e.g. "myapp:*"); Subscribe wraps each in the
// "__keyspace@<db>__:" envelope Redis actually publishes to, so
// distributed.Adapter stays ignorant of the Redis-specific channel naming.
// The server must have notify-keyspace-events including "K" (and at least
// one event class, e.g. "g$lshzxet") for these channels to receive anything.
func (s *Store) Subscribe(ctx context.Context, patterns ...string) (<-chan distributed.KeyEvent, error) {
	envelope := fmt.Sprintf("__keyspace@%d__:", s.db)
	wrapped := make([]string, len(patterns))
	for i, p := range patterns {
		wrapped[i] = envelope + p
	}
	pubsub := s.rdb.PSubscribe(ctx, wrapped...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redisstore: subscribe: %w", err)
	}

	out := make(chan distributed.KeyEvent)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				key := keyFromKeyspaceChannel(msg.Channel)
				select {
				case out <- distributed.KeyEvent{Key: key}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements distributed.Store.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// keyFromKeyspaceChannel strips the "__keyspace@<db>__:" prefix off a
// keyspace-notification channel name, leaving the raw key.
func keyFromKeyspaceChannel(channel string) string {
	for i := 0; i < len(channel); i++ {
		if channel[i] == ':' {
			return channel[i+1:]
		}
	}
	return channel
}
