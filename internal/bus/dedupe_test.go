package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCache_Window(t *testing.T) {
	d := NewDedupeCache(time.Minute, 100)
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	if d.Seen("m1") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.Seen("m1") {
		t.Fatal("second sighting inside window not detected")
	}

	now = now.Add(2 * time.Minute)
	if d.Seen("m1") {
		t.Error("entry should have expired")
	}
}

func TestDedupeCache_Forget(t *testing.T) {
	d := NewDedupeCache(time.Minute, 100)
	d.Seen("m1")
	d.Forget("m1")
	if d.Seen("m1") {
		t.Error("forgotten id reported as duplicate")
	}
}

func TestDedupeCache_EvictsOldestWhenFull(t *testing.T) {
	d := NewDedupeCache(time.Hour, 3)
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		d.Seen(fmt.Sprintf("m%d", i))
	}
	now = now.Add(time.Second)
	d.Seen("m3")

	if len(d.entries) != 3 {
		t.Fatalf("size = %d, want 3", len(d.entries))
	}
	if _, ok := d.entries["m0"]; ok {
		t.Error("oldest entry should have been evicted")
	}
}
