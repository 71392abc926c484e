package browser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/psantana5/mediabot/pkg/models"
)

// Cache stores successful fetch results for the current day. Entries from
// earlier days are never returned.
type Cache interface {
	Get(ctx context.Context, task Task) (*models.BrowserResult, bool, error)
	Set(ctx context.Context, task Task, result models.BrowserResult) error
	// Purge drops entries from days before today and reports how many
	Purge(ctx context.Context) (int, error)
	Close() error
}

// dayClock buckets timestamps into calendar days of a fixed zone
type dayClock struct {
	loc *time.Location
	now func() time.Time
}

func newDayClock(loc *time.Location) dayClock {
	if loc == nil {
		loc = time.UTC
	}
	return dayClock{loc: loc, now: time.Now}
}

func (c dayClock) today() string {
	return c.now().In(c.loc).Format("2006-01-02")
}

// untilMidnight is how long an entry written now stays valid
func (c dayClock) untilMidnight() time.Duration {
	now := c.now().In(c.loc)
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.loc).Sub(now)
}

// taskKey identifies a cacheable task independent of the day
func taskKey(task Task) string {
	sum := sha256.Sum256([]byte(task.Target + "\x00" + task.Script))
	return hex.EncodeToString(sum[:])
}

// Cacheable reports whether a task's result may be served from cache
func Cacheable(task Task) bool {
	return !task.Screenshot
}

type memoryEntry struct {
	day    string
	result models.BrowserResult
}

// MemoryCache keeps results in process memory
type MemoryCache struct {
	clock      dayClock
	maxEntries int

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryCache creates a cache bounded to maxEntries (0 means 1024)
func NewMemoryCache(loc *time.Location, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryCache{
		clock:      newDayClock(loc),
		maxEntries: maxEntries,
		entries:    make(map[string]memoryEntry),
	}
}

func (c *MemoryCache) Get(_ context.Context, task Task) (*models.BrowserResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[taskKey(task)]
	if !ok || e.day != c.clock.today() {
		return nil, false, nil
	}
	r := e.result.Clone()
	r.FromCache = true
	return &r, true, nil
}

func (c *MemoryCache) Set(_ context.Context, task Task, result models.BrowserResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	today := c.clock.today()
	if len(c.entries) >= c.maxEntries {
		c.purgeLocked(today)
	}
	if len(c.entries) >= c.maxEntries {
		return nil
	}
	c.entries[taskKey(task)] = memoryEntry{day: today, result: result.Clone()}
	return nil
}

func (c *MemoryCache) Purge(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.clock.today()), nil
}

func (c *MemoryCache) purgeLocked(today string) int {
	n := 0
	for k, e := range c.entries {
		if e.day != today {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *MemoryCache) Close() error { return nil }

// RedisCache shares results between bot replicas. Keys embed the day and
// expire at midnight of the configured zone.
type RedisCache struct {
	client *redis.Client
	clock  dayClock
	prefix string
}

// RedisOptions configures NewRedisCache
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisCache connects and pings the server
func NewRedisCache(ctx context.Context, opts RedisOptions, loc *time.Location) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "mediabot:fetch"
	}
	return &RedisCache{client: client, clock: newDayClock(loc), prefix: prefix}, nil
}

func (c *RedisCache) key(task Task) string {
	return c.prefix + ":" + c.clock.today() + ":" + taskKey(task)
}

func (c *RedisCache) Get(ctx context.Context, task Task) (*models.BrowserResult, bool, error) {
	data, err := c.client.Get(ctx, c.key(task)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var r models.BrowserResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	r.FromCache = true
	return &r, true, nil
}

func (c *RedisCache) Set(ctx context.Context, task Task, result models.BrowserResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(task), data, c.clock.untilMidnight()).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Purge is a no-op; keys expire at the end of their day
func (c *RedisCache) Purge(context.Context) (int, error) { return 0, nil }

func (c *RedisCache) Close() error { return c.client.Close() }
