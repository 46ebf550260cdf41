package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestFallbackCache_SetGet(t *testing.T) {
	f := NewFallbackCache(10, time.Hour)
	f.Set("k", "v", 0)
	got, ok := f.Get("k")
	if !ok || got != "v" {
		t.Fatalf("Get = %q, %v; want v, true", got, ok)
	}
	if _, ok := f.Get("missing"); ok {
		t.Error("missing key reported present")
	}
	st := f.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Items != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestFallbackCache_ExpiryIsReadTime(t *testing.T) {
	f := NewFallbackCache(10, time.Hour)
	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	f.Set("k", "v", time.Minute)
	now = now.Add(59 * time.Second)
	if _, ok := f.Get("k"); !ok {
		t.Fatal("entry expired early")
	}
	now = now.Add(time.Second)
	if _, ok := f.Get("k"); ok {
		t.Fatal("expired entry still observable")
	}
	if f.Exists("k") {
		t.Error("Exists true for expired entry")
	}
}

func TestFallbackCache_EvictsOldestFifth(t *testing.T) {
	f := NewFallbackCache(1000, 0)
	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	for i := 0; i < 1000; i++ {
		f.Set(fmt.Sprintf("k%d", i), "v", 0)
	}
	if n := f.Len(); n != 1000 {
		t.Fatalf("Len = %d before overflow, want 1000", n)
	}

	now = now.Add(time.Second)
	f.Set("k1000", "v", 0)

	if n := f.Len(); n != 801 {
		t.Fatalf("Len = %d after overflow, want 801", n)
	}
	for i := 0; i < 200; i++ {
		if _, ok := f.Get(fmt.Sprintf("k%d", i)); ok {
			t.Fatalf("k%d should have been evicted", i)
		}
	}
	for _, k := range []string{"k200", "k999", "k1000"} {
		if _, ok := f.Get(k); !ok {
			t.Errorf("%s should have survived", k)
		}
	}
}

func TestFallbackCache_Hash(t *testing.T) {
	f := NewFallbackCache(10, 0)
	if n := f.HSet("h", "a", "1"); n != 1 {
		t.Errorf("HSet new field = %d, want 1", n)
	}
	if n := f.HSet("h", "a", "2"); n != 0 {
		t.Errorf("HSet existing field = %d, want 0", n)
	}
	f.HSet("h", "b", "3")

	if v, ok := f.HGet("h", "a"); !ok || v != "2" {
		t.Errorf("HGet = %q, %v", v, ok)
	}
	if !f.HExists("h", "b") || f.HExists("h", "zz") {
		t.Error("HExists mismatch")
	}
	if n := f.HLen("h"); n != 2 {
		t.Errorf("HLen = %d, want 2", n)
	}
	all := f.HGetAll("h")
	all["c"] = "mutated"
	if f.HLen("h") != 2 {
		t.Error("HGetAll must return a copy")
	}
	if n := f.HDel("h", "a", "b", "missing"); n != 2 {
		t.Errorf("HDel = %d, want 2", n)
	}
	if f.Exists("h") {
		t.Error("empty hash should be removed")
	}
}
