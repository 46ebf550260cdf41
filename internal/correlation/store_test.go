package correlation

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mapCache is an in-memory Cache for tests.
type mapCache struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *mapCache) Get(_ context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *mapCache) Set(_ context.Context, key, value string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return true
}

func (m *mapCache) Exists(ctx context.Context, key string) bool {
	_, ok := m.Get(ctx, key)
	return ok
}

func fastConfig() Config {
	return Config{TTL: time.Hour, PollInterval: 10 * time.Millisecond, WaitTimeout: 200 * time.Millisecond}
}

func TestKeys(t *testing.T) {
	if UserMessageKey("a") != "user_msg:a" || ContextKey("a") != "memory:a" {
		t.Error("unexpected key format")
	}
}

func TestPutContext_UsesTTL(t *testing.T) {
	c := newMapCache()
	s := New(c, DefaultConfig())
	s.PutUserMessage(context.Background(), "id1", "hi")
	s.PutContext(context.Background(), "id1", "ctx")
	if c.ttls["memory:id1"] != time.Hour || c.ttls["user_msg:id1"] != time.Hour {
		t.Errorf("ttls = %v", c.ttls)
	}
}

func TestWait_ReturnsValueWrittenBeforeDeadline(t *testing.T) {
	s := New(newMapCache(), fastConfig())
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.PutContext(ctx, "id1", "composed")
	}()

	v, found := s.Wait(ctx, "id1", 0)
	if !found || v != "composed" {
		t.Fatalf("Wait = %q, %v; want composed, true", v, found)
	}
}

func TestWait_TimeoutReturnsPlaceholder(t *testing.T) {
	s := New(newMapCache(), fastConfig())

	start := time.Now()
	v, found := s.Wait(context.Background(), "never", 50*time.Millisecond)
	if found || v != TimeoutPlaceholder {
		t.Fatalf("Wait = %q, %v; want placeholder", v, found)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait overran its deadline: %v", elapsed)
	}
}

func TestWait_SignalBeatsPollInterval(t *testing.T) {
	c := newMapCache()
	s := New(c, Config{PollInterval: time.Hour, WaitTimeout: 5 * time.Second})
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.PutContext(ctx, "id1", "fast")
	}()

	start := time.Now()
	v, found := s.Wait(ctx, "id1", 0)
	if !found || v != "fast" {
		t.Fatalf("Wait = %q, %v", v, found)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("signal did not wake the waiter")
	}
}

func TestWait_CancelledContext(t *testing.T) {
	s := New(newMapCache(), Config{PollInterval: time.Hour, WaitTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if v, found := s.Wait(ctx, "x", 0); found || v != TimeoutPlaceholder {
		t.Errorf("Wait = %q, %v", v, found)
	}
}

func TestSetWaitTimeout(t *testing.T) {
	s := New(newMapCache(), fastConfig())
	s.SetWaitTimeout(3 * time.Second)
	if s.WaitTimeout() != 3*time.Second {
		t.Error("timeout not updated")
	}
	s.SetWaitTimeout(0)
	if s.WaitTimeout() != 3*time.Second {
		t.Error("zero must be ignored")
	}
}
