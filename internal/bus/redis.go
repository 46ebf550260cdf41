package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces group channels on a shared Redis.
const DefaultChannelPrefix = "memclaw:group:"

// RedisBus carries groups over Redis pub/sub so actors can live in
// separate processes. Delivery is at-most-once per connected subscriber.
type RedisBus struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewRedis connects to url and verifies the connection.
func NewRedis(ctx context.Context, url, prefix string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	slog.Info("redis bus: connected", "addr", opts.Addr)
	return &RedisBus{rdb: rdb, prefix: prefix, subs: make(map[*redis.PubSub]struct{})}, nil
}

func (b *RedisBus) channel(group string) string { return b.prefix + group }

// Publish sends data to every process subscribed to group.
func (b *RedisBus) Publish(ctx context.Context, group string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.rdb.Publish(ctx, b.channel(group), data).Err()
}

// Subscribe starts a receive loop for group. Each message is handled on
// its own goroutine.
func (b *RedisBus) Subscribe(group string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.channel(group))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", group, err)
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ps.Channel() {
			payload := []byte(msg.Payload)
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				h(ctx, payload)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ps)
			b.mu.Unlock()
			ps.Close()
		})
	}, nil
}

// Close unsubscribes everything and releases the connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for ps := range subs {
		ps.Close()
	}
	b.wg.Wait()
	return b.rdb.Close()
}
