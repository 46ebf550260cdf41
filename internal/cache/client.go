// Package cache provides a key-value client that keeps working when the
// networked store (Redis) is unreachable.
//
// Every operation goes to Redis first. Connection failures are retried with
// bounded backoff, then the alternate endpoint is tried once, and only then
// does the client enter fallback mode. In fallback mode each operation first
// probes Redis again; if the probe fails the operation is served from the
// in-process FallbackCache. Writes are always mirrored into the fallback
// tier, so a value written before an outage can still be read during it.
// While Redis answers, its reply is final: a miss there is a miss. Writes
// made during an outage are replayed into Redis when it comes back.
// Callers never see connection errors, only possible cache misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/memclaw/internal/retry"
	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

// Notification texts sent when the client enters or leaves fallback mode.
const (
	DegradedNotice  = "【系统告警】Redis 连接失败，系统将使用内存缓存。"
	RecoveredNotice = "【系统恢复】Redis 已恢复，记忆功能恢复正常。"
)

// Notifier receives fallback-mode transitions.
type Notifier interface {
	Notify(ctx context.Context, level, message string)
}

// Config configures the client.
type Config struct {
	URL              string        // primary endpoint, e.g. redis://localhost:6379/0
	AltURL           string        // tried once after the primary is exhausted; empty disables
	DialTimeout      time.Duration // per connection attempt
	OpTimeout        time.Duration // per command
	ProbeTimeout     time.Duration // reconnect probe while in fallback mode
	Retry            retry.Config
	FallbackMaxItems int
	FallbackTTL      time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "redis://localhost:6379/0",
		AltURL:           "redis://127.0.0.1:6379/0",
		DialTimeout:      2 * time.Second,
		OpTimeout:        2 * time.Second,
		ProbeTimeout:     200 * time.Millisecond,
		Retry:            retry.DefaultConfig(),
		FallbackMaxItems: 1000,
		FallbackTTL:      time.Hour,
	}
}

// Stats mirrors what operators need to see in doctor output.
type Stats struct {
	MemoryMode bool          `json:"memory_mode"`
	URL        string        `json:"url"`
	Fallback   FallbackStats `json:"cache_stats"`
}

// Client is the resilient cache client. Safe for concurrent use.
type Client struct {
	cfg      Config
	fallback *FallbackCache
	notifier Notifier
	pending  *outageLog

	mu       sync.RWMutex
	rdb      *redis.Client
	url      string
	altTried bool
	degraded bool
	closed   bool
}

// New creates a client. No network I/O happens until Init.
func New(cfg Config, notifier Notifier) *Client {
	return &Client{
		cfg:      cfg,
		fallback: NewFallbackCache(cfg.FallbackMaxItems, cfg.FallbackTTL),
		notifier: notifier,
		pending:  newOutageLog(),
	}
}

// Init connects to the primary endpoint, then the alternate. If neither
// answers the client starts in fallback mode; that is not an error.
func (c *Client) Init(ctx context.Context) error {
	rdb, err := c.newRedis(c.cfg.URL)
	if err != nil {
		return err
	}

	_, pingErr := retry.Do(ctx, c.cfg.Retry, func(attempt int) error {
		err := c.ping(ctx, rdb, c.cfg.DialTimeout)
		if err != nil {
			slog.Warn("cache: connect attempt failed", "url", c.cfg.URL, "attempt", attempt, "error", err)
		}
		return err
	})

	c.mu.Lock()
	c.rdb, c.url = rdb, c.cfg.URL
	c.mu.Unlock()

	if pingErr == nil {
		slog.Info("cache: connected", "url", c.cfg.URL)
		return nil
	}
	if c.failover(ctx) {
		return nil
	}
	c.enterFallback(ctx, pingErr)
	return nil
}

// Close releases the Redis connection pool. The fallback tier stays readable.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Degraded reports whether the client is currently in fallback mode.
func (c *Client) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Stats returns the current mode, endpoint and fallback counters.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{MemoryMode: c.degraded, URL: c.url, Fallback: c.fallback.Stats()}
}

// Get returns the value for key. Absent means missing, expired or unreachable.
func (c *Client) Get(ctx context.Context, key string) (string, bool) {
	var val string
	serr, ok := c.run(ctx, "get", func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.Get(ctx, key).Result()
		val = v
		return err
	})
	switch {
	case ok && serr == nil:
		return val, true
	case ok && errors.Is(serr, redis.Nil):
		// Deleted or expired elsewhere; drop the stale mirror.
		c.fallback.Delete(key)
		return "", false
	case ok:
		slog.Warn("cache: get failed", "key", key, "error", serr)
	}
	return c.fallback.Get(key)
}

// Set stores value with ttl (<= 0 means the fallback default on the in-process
// tier and no expiry in Redis). It always succeeds on the in-process tier.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if c.isClosed() {
		return false
	}
	c.fallback.Set(key, value, ttl)
	serr, ok := c.run(ctx, "set", func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Set(ctx, key, value, max(ttl, 0)).Err()
	})
	if !ok {
		c.pending.set(key, ttl)
	} else if serr != nil {
		slog.Warn("cache: set failed", "key", key, "error", serr)
	}
	return true
}

// SetJSON stores v JSON-encoded, or verbatim when v is already a string.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) bool {
	s, err := normalizeValue(v)
	if err != nil {
		slog.Warn("cache: encode value failed", "key", key, "error", err)
		return false
	}
	return c.Set(ctx, key, s, ttl)
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) bool {
	var n int64
	serr, ok := c.run(ctx, "exists", func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.Exists(ctx, key).Result()
		n = v
		return err
	})
	if ok && serr == nil {
		if n == 0 {
			c.fallback.Delete(key)
		}
		return n > 0
	}
	return c.fallback.Exists(key)
}

// Delete removes key from both tiers.
func (c *Client) Delete(ctx context.Context, key string) {
	c.fallback.Delete(key)
	_, ok := c.run(ctx, "del", func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Del(ctx, key).Err()
	})
	if !ok {
		c.pending.del(key)
	}
}

// HSet sets a hash field. Returns 1 if the field is new.
func (c *Client) HSet(ctx context.Context, key, field, value string) int64 {
	local := c.fallback.HSet(key, field, value)
	var n int64
	serr, ok := c.run(ctx, "hset", func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.HSet(ctx, key, field, value).Result()
		n = v
		return err
	})
	if !ok {
		c.pending.hset(key, field)
	}
	if ok && serr == nil {
		return n
	}
	return local
}

// HGet returns one hash field.
func (c *Client) HGet(ctx context.Context, key, field string) (string, bool) {
	var val string
	serr, ok := c.run(ctx, "hget", func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.HGet(ctx, key, field).Result()
		val = v
		return err
	})
	switch {
	case ok && serr == nil:
		return val, true
	case ok && errors.Is(serr, redis.Nil):
		c.fallback.HDel(key, field)
		return "", false
	}
	return c.fallback.HGet(key, field)
}

// HGetAll returns every field of the hash at key.
func (c *Client) HGetAll(ctx context.Context, key string) map[string]string {
	var all map[string]string
	serr, ok := c.run(ctx, "hgetall", func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.HGetAll(ctx, key).Result()
		all = v
		return err
	})
	if ok && serr == nil {
		if len(all) == 0 {
			c.fallback.Delete(key)
		}
		return all
	}
	return c.fallback.HGetAll(key)
}

// HDel removes hash fields and returns how many existed.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) int64 {
	local := c.fallback.HDel(key, fields...)
	var n int64
	serr, ok := c.run(ctx, "hdel", func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.HDel(ctx, key, fields...).Result()
		n = v
		return err
	})
	if !ok {
		c.pending.hdel(key, fields...)
	}
	if ok && serr == nil {
		return n
	}
	return local
}

// HExists reports whether a hash field exists.
func (c *Client) HExists(ctx context.Context, key, field string) bool {
	var found bool
	serr, ok := c.run(ctx, "hexists", func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.HExists(ctx, key, field).Result()
		found = v
		return err
	})
	if ok && serr == nil {
		return found
	}
	return c.fallback.HExists(key, field)
}

// HLen returns the number of fields in the hash at key.
func (c *Client) HLen(ctx context.Context, key string) int64 {
	var n int64
	serr, ok := c.run(ctx, "hlen", func(ctx context.Context, rdb *redis.Client) error {
		v, err := rdb.HLen(ctx, key).Result()
		n = v
		return err
	})
	if ok && serr == nil {
		return n
	}
	return c.fallback.HLen(key)
}

// Publish sends payload on a Redis channel. There is no in-process
// equivalent, so it returns ErrUnavailable in fallback mode.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	serr, ok := c.run(ctx, "publish", func(ctx context.Context, rdb *redis.Client) error {
		return rdb.Publish(ctx, channel, payload).Err()
	})
	if !ok {
		return ErrUnavailable
	}
	return serr
}

// run executes fn against Redis. ok is false when Redis is unreachable (the
// caller should use the fallback tier); serr carries server-side errors such
// as redis.Nil, which are not retried.
func (c *Client) run(ctx context.Context, op string, fn func(context.Context, *redis.Client) error) (serr error, ok bool) {
	c.mu.RLock()
	rdb, degraded, closed := c.rdb, c.degraded, c.closed
	c.mu.RUnlock()

	if closed || rdb == nil {
		return nil, false
	}
	if degraded {
		if !c.tryRecover(ctx) {
			return nil, false
		}
		c.mu.RLock()
		rdb = c.rdb
		c.mu.RUnlock()
	}

	call := func() error {
		opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		defer cancel()
		err := fn(opCtx, rdb)
		if err != nil && !isTransient(err) {
			serr = err
			return nil
		}
		return err
	}

	_, err := retry.Do(ctx, c.cfg.Retry, func(attempt int) error {
		err := call()
		if err != nil {
			slog.Debug("cache: transient failure", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})
	if err == nil {
		return serr, true
	}
	if ctx.Err() != nil {
		// The caller gave up; that says nothing about the store.
		return nil, false
	}

	if c.failover(ctx) {
		c.mu.RLock()
		rdb = c.rdb
		c.mu.RUnlock()
		if err := call(); err == nil {
			return serr, true
		}
	}
	c.enterFallback(ctx, err)
	return nil, false
}

// failover switches to the alternate endpoint once per client lifetime.
func (c *Client) failover(ctx context.Context) bool {
	c.mu.Lock()
	if c.altTried || c.cfg.AltURL == "" || c.cfg.AltURL == c.url {
		c.mu.Unlock()
		return false
	}
	c.altTried = true
	c.mu.Unlock()

	alt, err := c.newRedis(c.cfg.AltURL)
	if err != nil {
		slog.Warn("cache: invalid alternate url", "url", c.cfg.AltURL, "error", err)
		return false
	}
	if err := c.ping(ctx, alt, c.cfg.DialTimeout); err != nil {
		slog.Warn("cache: alternate endpoint unreachable", "url", c.cfg.AltURL, "error", err)
		alt.Close()
		return false
	}

	c.mu.Lock()
	old := c.rdb
	c.rdb, c.url = alt, c.cfg.AltURL
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	slog.Info("cache: switched to alternate endpoint", "url", c.cfg.AltURL)
	return true
}

func (c *Client) enterFallback(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.degraded || c.closed {
		c.mu.Unlock()
		return
	}
	c.degraded = true
	url := c.url
	c.mu.Unlock()

	slog.Warn("cache: entering fallback mode", "url", url, "error", cause)
	if c.notifier != nil {
		c.notifier.Notify(ctx, protocol.LevelError, DegradedNotice)
	}
}

// tryRecover probes Redis once and leaves fallback mode if it answers.
func (c *Client) tryRecover(ctx context.Context) bool {
	c.mu.RLock()
	rdb := c.rdb
	c.mu.RUnlock()

	if err := c.ping(ctx, rdb, c.cfg.ProbeTimeout); err != nil {
		return false
	}

	c.mu.Lock()
	if !c.degraded {
		c.mu.Unlock()
		return true
	}
	c.degraded = false
	url := c.url
	c.mu.Unlock()

	slog.Info("cache: recovered from fallback mode", "url", url)
	c.replay(ctx, rdb)
	if c.notifier != nil {
		c.notifier.Notify(ctx, protocol.LevelSuccess, RecoveredNotice)
	}
	return true
}

func (c *Client) ping(ctx context.Context, rdb *redis.Client, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rdb.Ping(pingCtx).Err()
}

func (c *Client) newRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = c.cfg.DialTimeout
	opts.ReadTimeout = c.cfg.OpTimeout
	opts.WriteTimeout = c.cfg.OpTimeout
	opts.MaxRetries = -1 // retries are handled by run
	return redis.NewClient(opts), nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// isTransient reports whether err is a connectivity problem rather than a
// server reply (redis.Nil, WRONGTYPE, ...).
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

func normalizeValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
