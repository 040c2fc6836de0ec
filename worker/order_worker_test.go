package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucher-system/repository"
)

type fakePersister struct {
	mu          sync.Mutex
	orders      []repository.VoucherOrder
	failures    int   // error this many times before succeeding
	failOrderID int64 // this order always errors
}

func (f *fakePersister) PersistOrder(ctx context.Context, order *repository.VoucherOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOrderID != 0 && order.ID == f.failOrderID {
		return errors.New("mysql unreachable")
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("mysql unreachable")
	}
	for _, o := range f.orders {
		if o.ID == order.ID {
			// idempotent: replays of the same order are absorbed
			return nil
		}
	}
	f.orders = append(f.orders, *order)
	return nil
}

func (f *fakePersister) persisted() []repository.VoucherOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.VoucherOrder(nil), f.orders...)
}

type dlqEntry struct {
	key    string
	reason string
}

type fakeEvents struct {
	mu        sync.Mutex
	published []repository.VoucherOrder
	dlq       []dlqEntry
}

func (f *fakeEvents) PublishOrderCreated(ctx context.Context, order *repository.VoucherOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, *order)
	return nil
}

func (f *fakeEvents) PublishToDLQ(ctx context.Context, key, value []byte, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, dlqEntry{key: string(key), reason: reason})
	return nil
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeEvents) deadLettered() []dlqEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dlqEntry(nil), f.dlq...)
}

func newWorkerFixture(t *testing.T, p OrderPersister, events repository.EventPublisher) (*redis.Client, *repository.RedisRepository, *OrderWorker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	repo := repository.NewRedisRepository(rdb, "stream.orders", "g1", "c1")
	w := NewOrderWorker(rdb, repo, p, events)
	w.ReadBlock = -1 // plain reads; the test loop polls
	w.SweepBackoff = 5 * time.Millisecond
	return rdb, repo, w
}

func enqueueOrder(t *testing.T, repo *repository.RedisRepository, voucherID, userID, orderID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.PrimeVoucher(ctx, voucherID, 100))
	res, err := repo.Admit(ctx, voucherID, userID, orderID)
	require.NoError(t, err)
	require.Equal(t, repository.AdmissionOK, res)
}

func runWorker(t *testing.T, w *OrderWorker) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return func() {
		stop()
		<-done
	}
}

func TestWorkerPersistsAcksAndPublishes(t *testing.T) {
	persister := &fakePersister{}
	events := &fakeEvents{}
	rdb, repo, w := newWorkerFixture(t, persister, events)
	ctx := context.Background()

	require.NoError(t, repo.EnsureOrderGroup(ctx))
	enqueueOrder(t, repo, 10, 42, 9001)

	stop := runWorker(t, w)
	defer stop()

	assert.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, "stream.orders", "g1").Result()
		return len(persister.persisted()) == 1 && events.count() == 1 && err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)

	got := persister.persisted()[0]
	assert.EqualValues(t, 9001, got.ID)
	assert.EqualValues(t, 42, got.UserID)
	assert.EqualValues(t, 10, got.VoucherID)
}

func TestWorkerRecoversViaPendingSweep(t *testing.T) {
	// first two persistence attempts fail; the sweep must replay until the
	// entry is written and acknowledged
	persister := &fakePersister{failures: 2}
	rdb, repo, w := newWorkerFixture(t, persister, nil)
	ctx := context.Background()

	require.NoError(t, repo.EnsureOrderGroup(ctx))
	enqueueOrder(t, repo, 10, 42, 9001)

	stop := runWorker(t, w)
	defer stop()

	assert.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, "stream.orders", "g1").Result()
		return len(persister.persisted()) == 1 && err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWorkerDrainsPendingOnRestart(t *testing.T) {
	persister := &fakePersister{}
	rdb, repo, w := newWorkerFixture(t, persister, nil)
	ctx := context.Background()

	require.NoError(t, repo.EnsureOrderGroup(ctx))
	enqueueOrder(t, repo, 10, 42, 9001)

	// simulate a worker that crashed after delivery, before the ack
	msgs, err := repo.ReadNewOrders(ctx, 1, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	pending, err := rdb.XPending(ctx, "stream.orders", "g1").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, pending.Count)

	// a fresh run must replay the pending entry before reading new ones
	stop := runWorker(t, w)
	defer stop()

	assert.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, "stream.orders", "g1").Result()
		return len(persister.persisted()) == 1 && err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)

	got := persister.persisted()[0]
	assert.EqualValues(t, 9001, got.ID)
}

func TestWorkerDeadLettersPoisonEntry(t *testing.T) {
	// order 9001 fails persistence permanently; after the bounded replays it
	// must land in the DLQ and the entry behind it must still be processed
	persister := &fakePersister{failOrderID: 9001}
	events := &fakeEvents{}
	rdb, repo, w := newWorkerFixture(t, persister, events)
	ctx := context.Background()

	require.NoError(t, repo.EnsureOrderGroup(ctx))
	enqueueOrder(t, repo, 10, 1, 9001)
	res, err := repo.Admit(ctx, 10, 2, 9002)
	require.NoError(t, err)
	require.Equal(t, repository.AdmissionOK, res)

	stop := runWorker(t, w)
	defer stop()

	assert.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, "stream.orders", "g1").Result()
		return len(events.deadLettered()) == 1 && len(persister.persisted()) == 1 && err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "1", events.deadLettered()[0].key, "DLQ entry keyed by user id")
	assert.EqualValues(t, 9002, persister.persisted()[0].ID, "the entry behind the poison one still persists")
}

func TestWorkerDeadLettersMalformedEntry(t *testing.T) {
	persister := &fakePersister{}
	events := &fakeEvents{}
	rdb, repo, w := newWorkerFixture(t, persister, events)
	ctx := context.Background()

	require.NoError(t, repo.EnsureOrderGroup(ctx))
	_, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "stream.orders",
		Values: map[string]interface{}{"foo": "bar"},
	}).Result()
	require.NoError(t, err)
	enqueueOrder(t, repo, 10, 42, 9001)

	stop := runWorker(t, w)
	defer stop()

	assert.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, "stream.orders", "g1").Result()
		return len(events.deadLettered()) == 1 && len(persister.persisted()) == 1 && err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.Contains(t, events.deadLettered()[0].reason, "missing field")
	assert.EqualValues(t, 9001, persister.persisted()[0].ID)
}

func TestHandleOrderSkipsWhenUserLockHeld(t *testing.T) {
	persister := &fakePersister{}
	rdb, _, w := newWorkerFixture(t, persister, nil)
	ctx := context.Background()

	// another consumer is persisting for this user right now
	require.NoError(t, rdb.Set(ctx, "lock:seckill-order:42", "other", time.Minute).Err())

	err := w.handleOrder(ctx, &repository.VoucherOrder{ID: 9001, UserID: 42, VoucherID: 10})
	require.NoError(t, err, "a held lock is a skip, not a failure")
	assert.Empty(t, persister.persisted())
}
