package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

const (
	// nullTTL bounds how long a "confirmed absent upstream" marker lives, so
	// repeated requests for non-existent keys stop hammering the database.
	nullTTL = 2 * time.Minute

	// rebuildLockTTL is the safety net on per-key rebuild locks; a crashed
	// rebuilder frees the key after this long.
	rebuildLockTTL = 10 * time.Second

	// rebuildBackoff is how long a caller sleeps after losing the rebuild
	// lock before re-checking the cache.
	rebuildBackoff = 50 * time.Millisecond

	refreshWorkers   = 10
	refreshQueueSize = 256
	refreshTimeout   = 10 * time.Second
)

var refreshFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cache_refresh_failures_total",
	Help: "The total number of failed asynchronous cache refreshes",
})

// redisData wraps a cached value with an application-level expiry for the
// logical-expiration strategy. The Redis key itself carries no TTL.
type redisData struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

// Client is a read-through cache over Redis. It owns JSON serialization, TTL
// policy, empty-marker handling for absent upstream rows, and a bounded
// worker pool for asynchronous refreshes.
type Client struct {
	rdb *redis.Client

	refreshCh chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(rdb *redis.Client) *Client {
	c := &Client{
		rdb:       rdb,
		refreshCh: make(chan func(), refreshQueueSize),
	}
	for i := 0; i < refreshWorkers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for task := range c.refreshCh {
				task()
			}
		}()
	}
	return c
}

// Close stops the refresh pool after the queued refreshes finish.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.refreshCh) })
	c.wg.Wait()
}

// Set stores a JSON-serialized value under key with a store-level TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// SetWithLogicalExpire stores a value with an application-level expiry and no
// store-level TTL. Entries written this way are read by the
// logical-expiration strategy, which must be pre-populated.
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(redisData{
		Data:       data,
		ExpireTime: time.Now().Add(ttl),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, payload, 0).Err()
}

// Delete drops a cached entry; called after the upstream row is mutated.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// get returns the raw payload and whether the key exists at all. An existing
// empty payload is the absent-upstream marker and is still found=true.
func (c *Client) get(ctx context.Context, key string) (string, bool, error) {
	payload, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return payload, true, nil
}

// submitRefresh hands a task to the bounded refresh pool; false means the
// queue is full and the caller keeps responsibility for cleanup.
func (c *Client) submitRefresh(task func()) bool {
	select {
	case c.refreshCh <- task:
		return true
	default:
		return false
	}
}

func decode[T any](payload string) (*T, error) {
	if payload == "" {
		// empty marker: confirmed non-existent upstream
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
