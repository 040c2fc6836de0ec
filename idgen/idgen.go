package idgen

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// epoch is 2022-01-01T00:00:00Z; ids carry seconds since then in the high bits.
const (
	epoch        = 1640995200
	sequenceBits = 32
	keyPrefix    = "incr:"
)

// Generator hands out globally unique, roughly monotonic int64 ids composed of
// a time segment and a per-day-per-business-key sequence. The sequence comes
// from an atomic Redis INCR, so ids are safe across processes; the date in the
// counter key resets the sequence every day.
type Generator struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Generator {
	return &Generator{rdb: rdb}
}

func (g *Generator) NextID(ctx context.Context, businessKey string) (int64, error) {
	now := time.Now().UTC()
	timestamp := now.Unix() - epoch

	date := now.Format("20060102")
	seq, err := g.rdb.Incr(ctx, keyPrefix+businessKey+":"+date).Result()
	if err != nil {
		return 0, err
	}

	return timestamp<<sequenceBits | seq, nil
}
