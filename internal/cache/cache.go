// Package cache wraps Redis as the process's shared cache, ban list and
// pub/sub transport. Values are opaque bytes; callers serialise.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChannelPriceUpdates carries PriceSnapshot JSON from the pricing engine
// to every hub instance.
const ChannelPriceUpdates = "price_update"

type Store struct {
	rdb *redis.Client
}

// NewStore connects to Redis. The URL may be a bare host:port or a full
// redis:// URL with credentials.
func NewStore(redisURL string) (*Store, error) {
	var opts *redis.Options
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: redisURL}
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// Client exposes the underlying connection pool for components that need
// Redis primitives beyond the KV surface (the job queue).
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Get returns the value for key, or nil on a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, nil
}

// SetTTL stores a value that expires after ttl.
func (s *Store) SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// SetPermanent stores a value with no expiry.
func (s *Store) SetPermanent(ctx context.Context, key string, val []byte) error {
	return s.SetTTL(ctx, key, val, 0)
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes the given keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// ScanPrefix returns all keys starting with prefix.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	return s.ScanPattern(ctx, prefix+"*")
}

// ScanPattern returns all keys matching a glob pattern. Uses SCAN so it
// never blocks the server the way KEYS would.
func (s *Store) ScanPattern(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Publish sends payload to every current subscriber of channel. Delivery
// is fire-and-forget; there is no replay for late joiners.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("cache publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe attaches handler to channel until ctx is cancelled. It
// returns once the subscription is confirmed, so a publish issued after
// Subscribe returns is guaranteed to reach the handler.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	sub := s.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("cache subscribe %s: %w", channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Ping checks liveness for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
