package volatile_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/krisalay/offline-cache/engine"
	"github.com/krisalay/offline-cache/expiration"
	"github.com/krisalay/offline-cache/volatile"
)

//
// ================= HELPER =================
//

func newTestCache(maxEntries int) (*volatile.Cache, *engine.ManualClock) {
	clk := engine.NewManualClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	eng := engine.NewCacheEngine(&expiration.FixedTTL{Default: time.Hour}, nil, clk.Now)
	return volatile.New(volatile.Config{MaxEntries: maxEntries}, eng), clk
}

//
// ================= BASIC OPERATIONS =================
//

func TestSetAndGet(t *testing.T) {
	c, _ := newTestCache(10)

	c.Set("key1", []byte("value1"), 0)

	v, ok := c.Get("key1")
	if !ok || string(v) != "value1" {
		t.Fatalf("expected value1, got %q (hit=%v)", v, ok)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c, _ := newTestCache(10)
	c.Set("k", []byte("abc"), 0)

	v, _ := c.Get("k")
	v[0] = 'X'

	again, _ := c.Get("k")
	if string(again) != "abc" {
		t.Fatalf("stored value was mutated through Get result: %q", again)
	}
}

func TestDeleteAndClear(t *testing.T) {
	c, _ := newTestCache(10)
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)

	c.Delete("a")
	c.Delete("missing")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a to be deleted")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after clear, got %d", c.Len())
	}
}

//
// ================= CAPACITY & EVICTION =================
//

func TestLRUScenario(t *testing.T) {
	c, clk := newTestCache(3)

	c.Set("A", []byte("a"), 0)
	clk.Advance(time.Millisecond)
	c.Set("B", []byte("b"), 0)
	clk.Advance(time.Millisecond)
	c.Set("C", []byte("c"), 0)
	clk.Advance(time.Millisecond)
	c.Get("A")
	clk.Advance(time.Millisecond)
	c.Set("D", []byte("d"), 0)

	if _, ok := c.Get("B"); ok {
		t.Fatalf("expected B to be evicted")
	}
	got := c.Keys()
	want := []string{"A", "C", "D"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected live set %v, got %v", want, got)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	c, _ := newTestCache(5)

	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("v"), 0)
		if c.Len() > 5 {
			t.Fatalf("after %d sets len=%d exceeds bound", i+1, c.Len())
		}
	}

	// The five most recent keys survive.
	for i := 45; i < 50; i++ {
		if _, ok := c.Get(fmt.Sprintf("k%d", i)); !ok {
			t.Fatalf("expected k%d to survive", i)
		}
	}
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(2)
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)
	c.Set("a", []byte("3"), 0)

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	v, _ := c.Get("a")
	if string(v) != "3" {
		t.Fatalf("expected overwritten value, got %q", v)
	}
}

func TestEvictLRU(t *testing.T) {
	c, _ := newTestCache(0)
	if _, ok := c.EvictLRU(); ok {
		t.Fatalf("expected nothing to evict")
	}
	c.Set("old", nil, 0)
	c.Set("new", nil, 0)

	k, ok := c.EvictLRU()
	if !ok || k != "old" {
		t.Fatalf("expected old to be evicted, got %q", k)
	}
}

//
// ================= TTL =================
//

func TestTTLExpiration(t *testing.T) {
	c, clk := newTestCache(10)

	c.Set("ttlKey", []byte("temp"), time.Second)

	clk.Advance(500 * time.Millisecond)
	if v, ok := c.Get("ttlKey"); !ok || string(v) != "temp" {
		t.Fatalf("expected live value before ttl, got %q", v)
	}

	clk.Advance(time.Second)
	if _, ok := c.Get("ttlKey"); ok {
		t.Fatalf("expected miss after ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be removed on read, len=%d", c.Len())
	}
}

func TestSweepExpired(t *testing.T) {
	c, clk := newTestCache(10)
	c.Set("short1", nil, time.Second)
	c.Set("short2", nil, time.Second)
	c.Set("long", nil, time.Minute)

	clk.Advance(2 * time.Second)
	if n := c.SweepExpired(); n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Len())
	}
}

//
// ================= CONCURRENCY =================
//

func TestConcurrentAccess(t *testing.T) {
	c := volatile.New(volatile.Config{MaxEntries: 16}, nil)

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (id*j)%32)
				c.Set(key, []byte("v"), 0)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() > 16 {
		t.Fatalf("capacity exceeded under concurrency: %d", c.Len())
	}
}
