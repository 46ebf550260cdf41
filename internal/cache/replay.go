package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// outageLog remembers which keys changed while Redis was unreachable. The
// values themselves live in the fallback tier.
type outageLog struct {
	mu          sync.Mutex
	strings     map[string]time.Time // key -> expiry (zero: none)
	hashFields  map[string]map[string]bool
	hashDeletes map[string]map[string]bool
	deletes     map[string]bool
}

func newOutageLog() *outageLog {
	l := &outageLog{}
	l.reset()
	return l
}

func (l *outageLog) reset() {
	l.strings = make(map[string]time.Time)
	l.hashFields = make(map[string]map[string]bool)
	l.hashDeletes = make(map[string]map[string]bool)
	l.deletes = make(map[string]bool)
}

func (l *outageLog) set(key string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	l.strings[key] = exp
	delete(l.deletes, key)
}

func (l *outageLog) del(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.strings, key)
	delete(l.hashFields, key)
	delete(l.hashDeletes, key)
	l.deletes[key] = true
}

func (l *outageLog) hset(key, field string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	addField(l.hashFields, key, field)
	if d := l.hashDeletes[key]; d != nil {
		delete(d, field)
	}
}

func (l *outageLog) hdel(key string, fields ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range fields {
		addField(l.hashDeletes, key, f)
		if s := l.hashFields[key]; s != nil {
			delete(s, f)
		}
	}
}

func (l *outageLog) empty() bool {
	return len(l.strings) == 0 && len(l.hashFields) == 0 && len(l.hashDeletes) == 0 && len(l.deletes) == 0
}

// take returns the logged changes and starts a fresh log.
func (l *outageLog) take() *outageLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.empty() {
		return nil
	}
	snap := &outageLog{strings: l.strings, hashFields: l.hashFields, hashDeletes: l.hashDeletes, deletes: l.deletes}
	l.reset()
	return snap
}

func addField(m map[string]map[string]bool, key, field string) {
	s := m[key]
	if s == nil {
		s = make(map[string]bool)
		m[key] = s
	}
	s[field] = true
}

// replay pushes changes made during an outage into Redis. Entries that have
// since left the fallback tier are skipped.
func (c *Client) replay(ctx context.Context, rdb *redis.Client) {
	snap := c.pending.take()
	if snap == nil {
		return
	}

	now := time.Now()
	var n int
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	_, err := rdb.Pipelined(opCtx, func(p redis.Pipeliner) error {
		for key := range snap.deletes {
			p.Del(opCtx, key)
			n++
		}
		for key, exp := range snap.strings {
			v, ok := c.fallback.Get(key)
			if !ok {
				continue
			}
			var ttl time.Duration
			if !exp.IsZero() {
				if ttl = exp.Sub(now); ttl <= 0 {
					continue
				}
			}
			p.Set(opCtx, key, v, ttl)
			n++
		}
		for key, fields := range snap.hashDeletes {
			if len(fields) == 0 {
				continue
			}
			p.HDel(opCtx, key, keys(fields)...)
			n++
		}
		for key, fields := range snap.hashFields {
			for f := range fields {
				if v, ok := c.fallback.HGet(key, f); ok {
					p.HSet(opCtx, key, f, v)
					n++
				}
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache: replay of outage writes failed", "ops", n, "error", err)
		return
	}
	slog.Info("cache: replayed outage writes", "ops", n)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
