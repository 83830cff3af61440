package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c, err := New[string, int](4, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.Get("a"); ok {
		t.Error("hit on an empty cache")
	}
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Errorf("Get(a) = (%d, %v), want (1, true)", v, ok)
	}
	c.Set("a", 2)
	if v, _ := c.Get("a"); v != 2 {
		t.Errorf("Get(a) after overwrite = %d, want 2", v)
	}
}

func TestLRUEviction(t *testing.T) {
	c, err := New[string, int](2, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // a is now most recently used
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry survived eviction")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry was evicted")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestTTLExpiration(t *testing.T) {
	c, err := New[string, int](4, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set("a", 1)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry expired immediately")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Error("entry survived past its TTL")
	}
}

func TestHitRate(t *testing.T) {
	c, err := New[string, int](4, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.HitRate() != 0 {
		t.Errorf("HitRate on fresh cache = %v, want 0", c.HitRate())
	}
	c.Set("a", 1)
	c.Get("a")
	c.Get("missing")
	if got := c.HitRate(); got != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c, err := New[string, int](64, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", i%16)
				c.Set(key, g*1000+i)
				c.Get(key)
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
