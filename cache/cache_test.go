package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newClock() *fakeClock { return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

func TestGetSetDelete(t *testing.T) {
	c := New[string](10, time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("empty cache returned a hit")
	}
	c.Set("a", "one", 0)
	if v, ok := c.Get("a"); !ok || v != "one" {
		t.Fatalf("Get(a) = (%q, %v), want (one, true)", v, ok)
	}
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("Get after Delete returned a hit")
	}
	c.Delete("missing")
}

func TestExpiredEntryIsMiss(t *testing.T) {
	clk := newClock()
	c := New[int](10, 2*time.Minute).WithClock(clk.Now)

	c.Set("k", 1, 0)
	clk.Advance(2*time.Minute - time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired early")
	}
	clk.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry at TTL returned a hit")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want expired entry evicted", c.Len())
	}
}

func TestPerEntryTTL(t *testing.T) {
	clk := newClock()
	c := New[int](10, time.Hour).WithClock(clk.Now)
	c.Set("short", 1, time.Second)
	c.Set("long", 2, 0)
	clk.Advance(2 * time.Second)
	if _, ok := c.Get("short"); ok {
		t.Error("short ttl entry still present")
	}
	if _, ok := c.Get("long"); !ok {
		t.Error("default ttl entry missing")
	}
}

func TestCapacityEvictsExpiredFirst(t *testing.T) {
	clk := newClock()
	c := New[int](3, time.Minute).WithClock(clk.Now)

	c.Set("oldest", 1, 0)
	c.Set("short", 2, time.Second)
	c.Set("middle", 3, 0)
	clk.Advance(2 * time.Second)

	c.Set("new", 4, 0)
	if _, ok := c.Get("oldest"); !ok {
		t.Error("oldest was evicted although an expired entry existed")
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("new entry missing")
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
}

func TestCapacityEvictsOldestInserted(t *testing.T) {
	c := New[int](3, time.Minute)
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, 0)
	}
	c.Set("k3", 3, 0)
	if _, ok := c.Get("k0"); ok {
		t.Error("k0 should have been evicted")
	}
	for _, k := range []string{"k1", "k2", "k3"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s missing", k)
		}
	}
}

func TestResetMovesToBack(t *testing.T) {
	c := New[int](2, time.Minute)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("a", 10, 0)
	c.Set("c", 3, 0)
	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted after a was re-set")
	}
	if v, ok := c.Get("a"); !ok || v != 10 {
		t.Errorf("Get(a) = (%d, %v), want (10, true)", v, ok)
	}
}

func TestPurge(t *testing.T) {
	c := New[int](0, 0)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Len() = %d after Purge", c.Len())
	}
	c.Set("c", 3, 0)
	if _, ok := c.Get("c"); !ok {
		t.Error("cache unusable after Purge")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int](50, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := fmt.Sprintf("k%d", (g*200+i)%75)
				c.Set(k, i, 0)
				c.Get(k)
				if i%10 == 0 {
					c.Delete(k)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 50 {
		t.Errorf("Len() = %d exceeds capacity", c.Len())
	}
}
