package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

// unlockScript deletes the lock only while the stored token still belongs to
// this holder. Compare and delete must be one atomic step at the server: a
// client-side GET followed by DEL can delete a lock that expired and was
// re-acquired by someone else in between.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a TTL-based mutual exclusion lock backed by Redis, safe across
// process boundaries. A crashed holder's lock frees itself when the TTL
// elapses.
type Lock struct {
	rdb   *redis.Client
	name  string
	token string
}

// New creates a lock handle for the given name. The owner token is unique per
// handle, so one handle can never release another's acquisition.
func New(rdb *redis.Client, name string) *Lock {
	return &Lock{
		rdb:   rdb,
		name:  name,
		token: uuid.NewString(),
	}
}

// TryLock makes a single acquisition attempt. A false return means the lock
// is held elsewhere; that is a normal outcome, not an error, and retry policy
// is up to the caller.
func (l *Lock) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, keyPrefix+l.name, l.token, ttl).Result()
}

// Unlock releases the lock if this handle still owns it. Releasing a lock
// that expired or was taken over by another holder is a silent no-op.
func (l *Lock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.rdb, []string{keyPrefix + l.name}, l.token).Err()
}
