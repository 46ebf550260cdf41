package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers message ids for a TTL window so a redelivered
// message can be ignored. Entries are pruned lazily on each check.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewDedupeCache creates a dedupe window. Defaults: ttl 20m, maxSize 5000.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &DedupeCache{
		entries: make(map[string]time.Time, 256),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether id was already recorded inside the window, and
// records it if not.
func (d *DedupeCache) Seen(id string) bool {
	now := d.now()
	cutoff := now.Add(-d.ttl)

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.entries[id]; ok && !ts.Before(cutoff) {
		return true
	}
	d.prune(cutoff)
	d.entries[id] = now
	return false
}

// Forget drops id so a later delivery is processed again.
func (d *DedupeCache) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
}

// prune must be called with d.mu held.
func (d *DedupeCache) prune(cutoff time.Time) {
	for k, ts := range d.entries {
		if ts.Before(cutoff) {
			delete(d.entries, k)
		}
	}
	if len(d.entries) < d.maxSize {
		return
	}
	// Still full: drop the oldest until there is room for one more.
	for len(d.entries) >= d.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, ts := range d.entries {
			if oldestKey == "" || ts.Before(oldest) {
				oldestKey, oldest = k, ts
			}
		}
		delete(d.entries, oldestKey)
	}
}
