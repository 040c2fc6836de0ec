package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"voucher-system/lock"
)

// Loader fetches a value from the upstream store. A nil result with a nil
// error means the value does not exist upstream.
type Loader[T any] func(ctx context.Context, id string) (*T, error)

// QueryWithPassThrough reads key prefix+id, falling back to the loader on a
// miss. Absent upstream rows are cached as an empty marker with a short TTL
// so repeated misses stop reaching the database. Concurrent misses on the
// same existing key are not coordinated; use QueryWithMutex for hot keys.
func QueryWithPassThrough[T any](ctx context.Context, c *Client, keyPrefix, id string, ttl time.Duration, load Loader[T]) (*T, error) {
	key := keyPrefix + id

	payload, found, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return decode[T](payload)
	}

	v, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if err := c.rdb.Set(ctx, key, "", nullTTL).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := c.Set(ctx, key, v, ttl); err != nil {
		return nil, err
	}
	return v, nil
}

// QueryWithMutex reads key prefix+id, rebuilding on a miss under a per-key
// lock so the loader runs at most once per key per expiry window across
// concurrent callers. Callers that lose the lock sleep a fixed backoff and
// retry the whole lookup.
//
// There is no retry cap: if the winner can never rebuild the entry (upstream
// persistently down), losers keep retrying until ctx is cancelled. Bound the
// context when calling under sustained contention.
func QueryWithMutex[T any](ctx context.Context, c *Client, keyPrefix, lockPrefix, id string, ttl time.Duration, load Loader[T]) (*T, error) {
	key := keyPrefix + id

	for {
		payload, found, err := c.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			return decode[T](payload)
		}

		l := lock.New(c.rdb, lockPrefix+id)
		acquired, err := l.TryLock(ctx, rebuildLockTTL)
		if err != nil {
			return nil, err
		}
		if !acquired {
			if err := sleepCtx(ctx, rebuildBackoff); err != nil {
				return nil, err
			}
			continue
		}

		v, rerr := rebuild(ctx, c, key, id, ttl, load)
		// release even when ctx was cancelled mid-rebuild
		if uerr := l.Unlock(context.WithoutCancel(ctx)); uerr != nil && rerr == nil {
			rerr = uerr
		}
		return v, rerr
	}
}

// rebuild double-checks the cache (the previous lock holder may have filled
// it while we were acquiring) before loading and writing through.
func rebuild[T any](ctx context.Context, c *Client, key, id string, ttl time.Duration, load Loader[T]) (*T, error) {
	payload, found, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return decode[T](payload)
	}

	v, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if err := c.rdb.Set(ctx, key, "", nullTTL).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := c.Set(ctx, key, v, ttl); err != nil {
		return nil, err
	}
	return v, nil
}

// QueryWithLogicalExpire serves entries written by SetWithLogicalExpire. A
// missing entry means not-found unconditionally: this strategy never rebuilds
// an empty cache and relies on pre-population. Once the logical expiry has
// passed, the caller that wins the refresh lock schedules an asynchronous
// reload on the bounded pool and, like every other caller, returns the stale
// value immediately. The calling path never blocks on upstream I/O.
func QueryWithLogicalExpire[T any](ctx context.Context, c *Client, keyPrefix, lockPrefix, id string, ttl time.Duration, load Loader[T]) (*T, error) {
	key := keyPrefix + id

	payload, found, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found || payload == "" {
		return nil, nil
	}

	var rd redisData
	if err := json.Unmarshal([]byte(payload), &rd); err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(rd.Data, &v); err != nil {
		return nil, err
	}

	if time.Now().Before(rd.ExpireTime) {
		return &v, nil
	}

	// stale: refresh in the background if we win the lock
	l := lock.New(c.rdb, lockPrefix+id)
	acquired, err := l.TryLock(ctx, rebuildLockTTL)
	if err != nil {
		return nil, err
	}
	if acquired {
		task := func() {
			rctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()
			defer func() {
				if err := l.Unlock(context.Background()); err != nil {
					log.Printf("cache: release refresh lock for %s: %v", key, err)
				}
			}()

			nv, err := load(rctx, id)
			if err != nil {
				refreshFailures.Inc()
				log.Printf("cache: refresh %s: %v", key, err)
				return
			}
			if err := c.SetWithLogicalExpire(rctx, key, nv, ttl); err != nil {
				refreshFailures.Inc()
				log.Printf("cache: rewrite %s: %v", key, err)
			}
		}
		if !c.submitRefresh(task) {
			// pool saturated; give the lock back so a later caller can retry
			if err := l.Unlock(ctx); err != nil {
				log.Printf("cache: release refresh lock for %s: %v", key, err)
			}
		}
	}

	return &v, nil
}
