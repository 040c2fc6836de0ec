package idgen

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestNextIDStrictlyIncreasing(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()

	prev := int64(0)
	for i := 0; i < 200; i++ {
		id, err := g.NextID(ctx, "order")
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNextIDSequencePerBusinessKey(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.NextID(ctx, "order")
		require.NoError(t, err)
	}

	// a different business key starts its own counter at 1
	id, err := g.NextID(ctx, "refund")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id&((1<<sequenceBits)-1))

	id, err = g.NextID(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, int64(6), id&((1<<sequenceBits)-1))
}

func TestNextIDTimeSegment(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()

	id, err := g.NextID(ctx, "order")
	require.NoError(t, err)
	assert.Positive(t, id>>sequenceBits, "time segment must count up from the epoch")
}
