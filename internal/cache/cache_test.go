package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, slog.Default()), mr
}

func TestCache_SetGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}

	if err := c.Set(ctx, "k1", payload{Name: "regtech"}, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var got payload
	hit, err := c.Get(ctx, "k1", &got)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !hit {
		t.Fatal("Get() should report a hit")
	}
	if got.Name != "regtech" {
		t.Errorf("Name = %q, want %q", got.Name, "regtech")
	}
}

func TestCache_GetMiss(t *testing.T) {
	c, _ := newTestCache(t)
	var dst map[string]any

	hit, err := c.Get(context.Background(), "missing", &dst)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if hit {
		t.Error("Get() should report a miss for an absent key")
	}
}

func TestCache_DeleteByPrefix(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for _, k := range []string{"blacklist:list:a", "blacklist:list:b", "stats:summary"} {
		if err := c.Set(ctx, k, "v", time.Minute); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
	}

	if err := c.DeleteByPrefix(ctx, "blacklist:list:"); err != nil {
		t.Fatalf("DeleteByPrefix() error = %v", err)
	}

	var dst string
	if hit, _ := c.Get(ctx, "blacklist:list:a", &dst); hit {
		t.Error("blacklist:list:a should have been deleted")
	}
	if hit, _ := c.Get(ctx, "stats:summary", &dst); !hit {
		t.Error("stats:summary should not have been touched")
	}
}

func TestCache_GetOrSet_SingleFlight(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls int64
	load := func(context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return map[string]int{"total": 42}, nil
	}

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			var dst map[string]int
			_ = c.GetOrSet(ctx, "stats:summary", time.Minute, &dst, load)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("loader called %d times, want 1", got)
	}
}

func TestCache_Lock(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	acquired, release, err := c.Lock(ctx, "collection:lock:regtech", time.Minute)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if !acquired {
		t.Fatal("first Lock() should succeed")
	}

	if acquired2, _, err := c.Lock(ctx, "collection:lock:regtech", time.Minute); err != nil {
		t.Fatalf("Lock() error = %v", err)
	} else if acquired2 {
		t.Error("second concurrent Lock() should fail while held")
	}

	release()

	acquired3, _, err := c.Lock(ctx, "collection:lock:regtech", time.Minute)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if !acquired3 {
		t.Error("Lock() should succeed after release")
	}
}
