// Package kv wraps the Redis-backed key/value store CacheIngest writes
// through, grounded on the original's RedisClient: a connection guarded by
// an explicit "ensure connected, retry once after reconnecting" idiom
// rather than letting go-redis's own retry logic paper over the outage
// silently (§4.3.2).
package kv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ngee044/cachedb-pipeline/internal/config"
)

// transientTokens are the error-text substrings §4.3.2 gates
// reconnect-and-retry on. A non-matching error (WRONGTYPE, auth
// failures, etc.) surfaces immediately instead of triggering a
// reconnect, mirroring the original's find("connection")/find("timeout")
// checks.
var transientTokens = []string{"connection", "timeout"}

func looksTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, tok := range transientTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// Client is a reconnect-aware Redis client. The zero value is not usable;
// construct with New.
type Client struct {
	mu   sync.Mutex
	opts *redis.Options
	rdb  *redis.Client

	maxRetries   int
	retryBackoff time.Duration
}

func New(cfg *config.Config) *Client {
	return &Client{
		opts: &redis.Options{
			Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
			DB:   cfg.RedisDBIndex,
		},
		maxRetries:   cfg.RedisReconnectMaxRetries,
		retryBackoff: time.Duration(cfg.RedisReconnectIntervalMs) * time.Millisecond,
	}
}

// Connect opens the underlying connection pool and pings it once. Safe to
// call again after Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	rdb := redis.NewClient(c.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis connect: %w", err)
	}
	c.rdb = rdb
	return nil
}

// IsConnected reports whether the pool currently answers PING.
func (c *Client) IsConnected(ctx context.Context) bool {
	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()
	if rdb == nil {
		return false
	}
	return rdb.Ping(ctx).Err() == nil
}

// ensureConnection reconnects with the configured retry budget, matching
// ensure_redis_connection's bounded retry loop.
func (c *Client) ensureConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rdb != nil && c.rdb.Ping(ctx).Err() == nil {
		return nil
	}

	var lastErr error
	for retry := 0; retry < c.maxRetries; retry++ {
		if err := c.connectLocked(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryBackoff):
		}
	}
	return fmt.Errorf("redis reconnect failed after %d retries: %w", c.maxRetries, lastErr)
}

// SetKeyValue stores value at key with an optional TTL (ttlSeconds <= 0
// means no expiry). On a connection failure it reconnects once and retries
// the write exactly once, mirroring set_key_value.
func (c *Client) SetKeyValue(ctx context.Context, key, value string, ttlSeconds int64) error {
	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}

	if err := c.ensureConnection(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()

	if err := rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		if !looksTransient(err) {
			return err
		}
		if reconErr := c.ensureConnection(ctx); reconErr != nil {
			return fmt.Errorf("redis SET failed and reconnect failed: %w", reconErr)
		}
		c.mu.Lock()
		rdb = c.rdb
		c.mu.Unlock()
		return rdb.Set(ctx, key, value, ttl).Err()
	}
	return nil
}

// GetKeyValue reads key. A missing key returns ("", nil); connection
// failures follow the same reconnect-then-retry-once path as SetKeyValue.
func (c *Client) GetKeyValue(ctx context.Context, key string) (string, error) {
	if err := c.ensureConnection(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()

	val, err := rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		if !looksTransient(err) {
			return "", err
		}
		if reconErr := c.ensureConnection(ctx); reconErr != nil {
			return "", fmt.Errorf("redis GET failed and reconnect failed: %w", reconErr)
		}
		c.mu.Lock()
		rdb = c.rdb
		c.mu.Unlock()
		val, err = rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			return "", nil
		}
		return val, err
	}
	return val, nil
}

// Close releases the underlying pool.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	return err
}
