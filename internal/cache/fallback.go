package cache

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// FallbackCache is the bounded in-process tier used while the networked
// store is unreachable. Writes are also mirrored here while healthy.
//
// Expiry is evaluated on read: an expired entry is reported absent and
// removed at that moment. When the item count exceeds maxItems, the oldest
// 20% of maxItems (by write time) are evicted in a single pass.
type FallbackCache struct {
	mu         sync.Mutex
	items      map[string]*fallbackEntry
	hashes     map[string]map[string]string
	maxItems   int
	defaultTTL time.Duration
	now        func() time.Time
	seq        uint64

	hits   uint64
	misses uint64
}

type fallbackEntry struct {
	value     string
	timestamp time.Time
	seq       uint64    // insertion order, breaks timestamp ties
	expires   time.Time // zero = never
}

// FallbackStats is a point-in-time view of the fallback tier.
type FallbackStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Items  int    `json:"items"`
}

// NewFallbackCache creates a fallback tier holding at most maxItems string
// entries. defaultTTL applies when Set is called without a ttl; zero disables it.
func NewFallbackCache(maxItems int, defaultTTL time.Duration) *FallbackCache {
	if maxItems <= 0 {
		maxItems = 1000
	}
	return &FallbackCache{
		items:      make(map[string]*fallbackEntry, 256),
		hashes:     make(map[string]map[string]string),
		maxItems:   maxItems,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the value for key if present and not expired.
func (f *FallbackCache) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.items[key]
	if !ok {
		f.misses++
		return "", false
	}
	if f.expired(e) {
		delete(f.items, key)
		f.misses++
		return "", false
	}
	f.hits++
	return e.value, true
}

// Set stores value under key. ttl <= 0 uses the default TTL.
func (f *FallbackCache) Set(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = f.defaultTTL
	}
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	e := &fallbackEntry{value: value, timestamp: now, seq: f.seq}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	f.items[key] = e

	if len(f.items) > f.maxItems {
		f.evictOldest()
	}
}

// Exists reports whether key holds a live string value or a hash.
func (f *FallbackCache) Exists(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.items[key]; ok {
		if f.expired(e) {
			delete(f.items, key)
		} else {
			return true
		}
	}
	_, ok := f.hashes[key]
	return ok
}

// Delete removes key (string or hash). Returns true if anything was removed.
func (f *FallbackCache) Delete(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, inItems := f.items[key]
	_, inHashes := f.hashes[key]
	delete(f.items, key)
	delete(f.hashes, key)
	return inItems || inHashes
}

// Len returns the number of string entries currently held, expired or not.
func (f *FallbackCache) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Stats returns hit/miss counters and the item count.
func (f *FallbackCache) Stats() FallbackStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FallbackStats{Hits: f.hits, Misses: f.misses, Items: len(f.items)}
}

// HSet sets field in the hash at key. Returns 1 if the field is new, 0 if updated.
func (f *FallbackCache) HSet(key, field, value string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	_, existed := h[field]
	h[field] = value
	if existed {
		return 0
	}
	return 1
}

// HGet returns one field of the hash at key.
func (f *FallbackCache) HGet(key, field string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.hashes[key][field]
	return v, ok
}

// HGetAll returns a copy of the hash at key (empty map if absent).
func (f *FallbackCache) HGetAll(key string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out
}

// HDel removes fields from the hash at key and returns how many existed.
func (f *FallbackCache) HDel(key string, fields ...string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, ok := f.hashes[key]
	if !ok {
		return 0
	}
	var removed int64
	for _, field := range fields {
		if _, ok := h[field]; ok {
			delete(h, field)
			removed++
		}
	}
	if len(h) == 0 {
		delete(f.hashes, key)
	}
	return removed
}

// HExists reports whether field exists in the hash at key.
func (f *FallbackCache) HExists(key, field string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.hashes[key][field]
	return ok
}

// HLen returns the number of fields in the hash at key.
func (f *FallbackCache) HLen(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.hashes[key]))
}

// expired must be called with f.mu held.
func (f *FallbackCache) expired(e *fallbackEntry) bool {
	return !e.expires.IsZero() && !f.now().Before(e.expires)
}

// evictOldest removes 20% of maxItems, oldest write first.
// Must be called with f.mu held.
func (f *FallbackCache) evictOldest() {
	n := f.maxItems / 5
	if n < 1 {
		n = 1
	}

	type aged struct {
		key string
		ts  time.Time
		seq uint64
	}
	all := make([]aged, 0, len(f.items))
	for k, e := range f.items {
		all = append(all, aged{key: k, ts: e.timestamp, seq: e.seq})
	}
	slices.SortFunc(all, func(a, b aged) int {
		if c := a.ts.Compare(b.ts); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	if n > len(all) {
		n = len(all)
	}
	for _, a := range all[:n] {
		delete(f.items, a.key)
	}
}
