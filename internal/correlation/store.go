// Package correlation passes results across the actor boundary through the
// shared cache: the memory actor writes memory:{id}, the conversation actor
// polls for it until a deadline.
//
// Entries are write-once by convention and are never deleted; they expire
// through the cache TTL.
package correlation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimeoutPlaceholder is the context used when memory does not arrive in time.
const TimeoutPlaceholder = "memory retrieval timed out, continuing without retrieved context"

const (
	userMessagePrefix = "user_msg:"
	contextPrefix     = "memory:"
)

// Cache is the subset of the resilient cache client this package needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
	Exists(ctx context.Context, key string) bool
}

// Config holds entry lifetime and wait parameters.
type Config struct {
	TTL          time.Duration // entry lifetime (default 1h)
	PollInterval time.Duration // cache poll period while waiting (default 500ms)
	WaitTimeout  time.Duration // default wait deadline (default 5s)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TTL:          time.Hour,
		PollInterval: 500 * time.Millisecond,
		WaitTimeout:  5 * time.Second,
	}
}

// Store reads and writes correlation entries.
type Store struct {
	cache Cache
	cfg   Config

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// New creates a correlation store over cache.
func New(cache Cache, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	return &Store{cache: cache, cfg: cfg, waiters: make(map[string][]chan struct{})}
}

// UserMessageKey returns the key holding the raw utterance for id.
func UserMessageKey(id string) string { return userMessagePrefix + id }

// ContextKey returns the key holding the composed context for id.
func ContextKey(id string) string { return contextPrefix + id }

// PutUserMessage records the utterance for id.
func (s *Store) PutUserMessage(ctx context.Context, id, text string) bool {
	return s.cache.Set(ctx, UserMessageKey(id), text, s.cfg.TTL)
}

// UserMessage returns the utterance recorded for id.
func (s *Store) UserMessage(ctx context.Context, id string) (string, bool) {
	return s.cache.Get(ctx, UserMessageKey(id))
}

// PutContext records the composed context for id and wakes local waiters.
func (s *Store) PutContext(ctx context.Context, id, text string) bool {
	ok := s.cache.Set(ctx, ContextKey(id), text, s.cfg.TTL)
	s.Signal(id)
	return ok
}

// Context returns the composed context for id, if written.
func (s *Store) Context(ctx context.Context, id string) (string, bool) {
	return s.cache.Get(ctx, ContextKey(id))
}

// HasContext reports whether memory:{id} exists.
func (s *Store) HasContext(ctx context.Context, id string) bool {
	return s.cache.Exists(ctx, ContextKey(id))
}

// Signal wakes any Wait on id so it checks the cache immediately.
func (s *Store) Signal(id string) {
	s.mu.Lock()
	chans := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}

// SetWaitTimeout changes the default wait deadline.
func (s *Store) SetWaitTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.WaitTimeout = d
	s.mu.Unlock()
}

// WaitTimeout returns the current default wait deadline.
func (s *Store) WaitTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.WaitTimeout
}

// Wait polls for memory:{id} until it appears or timeout elapses
// (timeout <= 0 uses the configured default). It never fails: on timeout or
// cancellation it returns TimeoutPlaceholder and found=false.
func (s *Store) Wait(ctx context.Context, id string, timeout time.Duration) (value string, found bool) {
	if timeout <= 0 {
		timeout = s.WaitTimeout()
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		wake := s.register(id)
		if v, ok := s.Context(ctx, id); ok {
			s.unregister(id, wake)
			return v, true
		}

		select {
		case <-wake:
		case <-ticker.C:
			s.unregister(id, wake)
		case <-deadline.C:
			s.unregister(id, wake)
			// One last look: the entry may have landed between polls.
			if v, ok := s.Context(ctx, id); ok {
				return v, true
			}
			slog.Warn("correlation: wait timed out", "message_id", id, "timeout", timeout)
			return TimeoutPlaceholder, false
		case <-ctx.Done():
			s.unregister(id, wake)
			return TimeoutPlaceholder, false
		}
	}
}

func (s *Store) register(id string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) unregister(id string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[id]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = chans
	}
}
