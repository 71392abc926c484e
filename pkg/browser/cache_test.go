package browser

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/psantana5/mediabot/pkg/models"
)

func TestMemoryCacheExpiresAtDayBoundary(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	c := NewMemoryCache(seoul, 10)
	now := time.Date(2024, 3, 4, 23, 50, 0, 0, seoul)
	c.clock.now = func() time.Time { return now }

	task := Task{Target: "https://example.com/menu"}
	ctx := context.Background()
	if err := c.Set(ctx, task, models.BrowserResult{Content: []byte("monday")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := c.Get(ctx, task); !ok {
		t.Fatal("expected hit on the same day")
	}

	now = now.Add(15 * time.Minute)
	if _, ok, _ := c.Get(ctx, task); ok {
		t.Fatal("entry from the previous day was served")
	}
	if n, _ := c.Purge(ctx); n != 1 {
		t.Errorf("Purge removed %d entries, want 1", n)
	}
}

func TestMemoryCacheKeysIncludeScript(t *testing.T) {
	c := NewMemoryCache(time.UTC, 10)
	ctx := context.Background()
	_ = c.Set(ctx, Task{Target: "https://example.com"}, models.BrowserResult{Content: []byte("html")})

	if _, ok, _ := c.Get(ctx, Task{Target: "https://example.com", Script: "document.title"}); ok {
		t.Error("script task must not hit the plain fetch entry")
	}
}

func TestUntilMidnight(t *testing.T) {
	clock := newDayClock(time.UTC)
	clock.now = func() time.Time { return time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC) }
	if got := clock.untilMidnight(); got != 2*time.Hour {
		t.Errorf("untilMidnight = %v, want 2h", got)
	}
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis cache test: REDIS_ADDR not set")
	}

	ctx := context.Background()
	c, err := NewRedisCache(ctx, RedisOptions{Addr: addr, Prefix: "mediabot:test:" + time.Now().Format("150405.000")}, time.UTC)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer c.Close()

	task := Task{Target: "https://example.com/redis"}
	if _, ok, err := c.Get(ctx, task); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, task, models.BrowserResult{Target: task.Target, Content: []byte("cached")}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, task)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got.Content) != "cached" || !got.FromCache {
		t.Errorf("unexpected cached result: %+v", got)
	}
}
