package cache

import (
	"testing"
	"time"
)

func TestTTLExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New[int64, string](time.Minute)
	c.now = func() time.Time { return now }

	c.Set(1, "profile-1")
	if got, ok := c.Get(1); !ok || got != "profile-1" {
		t.Fatalf("Get() = %q, %v; want hit", got, ok)
	}

	now = now.Add(59 * time.Second)
	if _, ok := c.Get(1); !ok {
		t.Error("entry expired early")
	}

	now = now.Add(time.Second)
	if _, ok := c.Get(1); ok {
		t.Error("entry survived its TTL")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after lazy expiry", c.Len())
	}

	hits, misses := c.Stats()
	if hits != 2 || misses != 1 {
		t.Errorf("Stats() = %d hits, %d misses; want 2, 1", hits, misses)
	}
}

func TestTTLDeleteAndSweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New[string, int](time.Minute)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("deleted entry still present")
	}

	now = now.Add(2 * time.Minute)
	c.Set("c", 3)
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after sweep", c.Len())
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() = %d after Clear", c.Len())
	}
}
