package actor

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

// anonymousSource keys utterances that arrive without a source.
const anonymousSource = "anonymous"

// maxSourceKey bounds limiter keys in bytes.
const maxSourceKey = 64

// RateLimiter enforces per-source message rates using a token bucket.
type RateLimiter struct {
	limiters sync.Map   // source → *limiterEntry
	r        rate.Limit // refill rate (messages per second)
	burst    int
	stop     chan struct{}
	once     sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perMinute messages per source
// with the given burst. perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if perMinute > 0 {
		r = rate.Limit(float64(perMinute) / 60.0)
	}
	rl := &RateLimiter{r: r, burst: burst, stop: make(chan struct{})}
	if rl.Enabled() {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow reports whether a message from source may proceed now.
func (rl *RateLimiter) Allow(source string) bool {
	if !rl.Enabled() {
		return true
	}
	key := sourceKey(source)
	entry := rl.getOrCreate(key)
	if !entry.limiter.Allow() {
		slog.Warn("actor: rate limited", "source", key)
		return false
	}
	entry.mu.Lock()
	entry.lastSeen = time.Now()
	entry.mu.Unlock()
	return true
}

// Enabled reports whether limiting is active.
func (rl *RateLimiter) Enabled() bool { return rl.r > 0 }

// Stop ends the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) getOrCreate(key string) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{limiter: rate.NewLimiter(rl.r, rl.burst), lastSeen: time.Now()}
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now().Add(-10 * time.Minute))
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup(cutoff time.Time) {
	rl.limiters.Range(func(key, value any) bool {
		entry := value.(*limiterEntry)
		entry.mu.Lock()
		stale := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// sourceKey maps a source id onto its limiter bucket. Width and case variants
// of the same id share a bucket; ids in any script stay distinct. Long ids
// keep a prefix plus a digest of the whole id, so truncation never merges them.
func sourceKey(source string) string {
	s := cases.Fold().String(norm.NFKC.String(strings.TrimSpace(source)))
	var b strings.Builder
	b.Grow(len(s))
	dash := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r) || strings.ContainsRune("_.:@", r):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	key := strings.TrimRight(b.String(), "-")
	if key == "" {
		return anonymousSource
	}
	if len(key) <= maxSourceKey {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:6])
	prefix := key[:maxSourceKey-len(digest)-1]
	for !utf8.ValidString(prefix) {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix + "~" + digest
}
