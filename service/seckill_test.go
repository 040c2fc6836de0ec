package service

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

	"voucher-system/idgen"
	"voucher-system/repository"
	"voucher-system/worker"
)

// fakeOrderRepo mimics the MySQL repository in memory, including the
// duplicate check and the stock > 0 guard.
type fakeOrderRepo struct {
	mu       sync.Mutex
	vouchers map[int64]*repository.Voucher
	orders   []repository.VoucherOrder
	failures int // CreateVoucherOrder errors this many times first
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{vouchers: make(map[int64]*repository.Voucher)}
}

func (f *fakeOrderRepo) GetVoucher(ctx context.Context, id int64) (*repository.Voucher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vouchers[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (f *fakeOrderRepo) SaveVoucher(ctx context.Context, v *repository.Voucher) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *v
	f.vouchers[v.ID] = &cp
	return nil
}

func (f *fakeOrderRepo) CreateVoucherOrder(ctx context.Context, order *repository.VoucherOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("mysql unreachable")
	}
	for _, o := range f.orders {
		if o.UserID == order.UserID && o.VoucherID == order.VoucherID {
			return repository.ErrDuplicateOrder
		}
	}
	v, ok := f.vouchers[order.VoucherID]
	if !ok || v.Stock <= 0 {
		return repository.ErrStockDepleted
	}
	v.Stock--
	f.orders = append(f.orders, *order)
	return nil
}

func (f *fakeOrderRepo) CountOrders(ctx context.Context, userID, voucherID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, o := range f.orders {
		if o.UserID == userID && o.VoucherID == voucherID {
			count++
		}
	}
	return count, nil
}

func (f *fakeOrderRepo) snapshot() ([]repository.VoucherOrder, map[int64]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	orders := append([]repository.VoucherOrder(nil), f.orders...)
	stock := make(map[int64]int)
	for id, v := range f.vouchers {
		stock[id] = v.Stock
	}
	return orders, stock
}

func newSeckillFixture(t *testing.T) (*miniredis.Miniredis, *redis.Client, *repository.RedisRepository, *fakeOrderRepo, *SeckillService) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	redisRepo := repository.NewRedisRepository(rdb, "stream.orders", "g1", "c1")
	orderRepo := newFakeOrderRepo()
	svc := NewSeckillService(redisRepo, orderRepo, idgen.New(rdb))
	return mr, rdb, redisRepo, orderRepo, svc
}

func TestSeckillSingleWinnerForLastUnit(t *testing.T) {
	_, _, redisRepo, _, svc := newSeckillFixture(t)
	ctx := context.Background()

	require.NoError(t, redisRepo.PrimeVoucher(ctx, 10, 1))

	const n = 10
	var wg sync.WaitGroup
	admitted := make([]bool, n)
	rejections := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Seckill(ctx, 10, int64(100+i))
			if err == nil {
				admitted[i] = true
			} else {
				rejections[i] = err
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < n; i++ {
		if admitted[i] {
			winners++
		} else {
			assert.ErrorIs(t, rejections[i], ErrOutOfStock)
		}
	}
	assert.Equal(t, 1, winners, "exactly one attempt wins the last unit")
}

func TestSeckillDuplicateUserRejected(t *testing.T) {
	_, _, redisRepo, _, svc := newSeckillFixture(t)
	ctx := context.Background()

	require.NoError(t, redisRepo.PrimeVoucher(ctx, 10, 5))

	first, err := svc.Seckill(ctx, 10, 42)
	require.NoError(t, err)
	assert.Positive(t, first)

	_, err = svc.Seckill(ctx, 10, 42)
	assert.ErrorIs(t, err, ErrAlreadyOrdered)

	// the rejected attempt must not have touched the stock
	stock, err := redisRepo.CachedStock(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, stock)
}

func TestSeckillUnprimedVoucherIsOutOfStock(t *testing.T) {
	_, _, _, _, svc := newSeckillFixture(t)

	_, err := svc.Seckill(context.Background(), 99, 1)
	assert.ErrorIs(t, err, ErrOutOfStock)
}

func TestPrepareVoucherCopiesRelationalStock(t *testing.T) {
	_, _, redisRepo, orderRepo, svc := newSeckillFixture(t)
	ctx := context.Background()

	require.NoError(t, orderRepo.SaveVoucher(ctx, &repository.Voucher{ID: 10, Title: "coffee", Stock: 77}))
	require.NoError(t, svc.PrepareVoucher(ctx, 10))

	stock, err := redisRepo.CachedStock(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 77, stock)

	assert.Error(t, svc.PrepareVoucher(ctx, 404))
}

// Three users race for two units; the worker then drains the queue and the
// relational store ends up with exactly two orders and two units deducted.
func TestSeckillEndToEnd(t *testing.T) {
	_, rdb, redisRepo, orderRepo, svc := newSeckillFixture(t)
	ctx := context.Background()

	require.NoError(t, orderRepo.SaveVoucher(ctx, &repository.Voucher{ID: 10, Title: "coffee", Stock: 2}))
	require.NoError(t, svc.PrepareVoucher(ctx, 10))
	require.NoError(t, redisRepo.EnsureOrderGroup(ctx))

	var wg sync.WaitGroup
	orderIDs := make([]int64, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orderIDs[i], errs[i] = svc.Seckill(ctx, 10, int64(1+i))
		}(i)
	}
	wg.Wait()

	var winners []int64
	losses := 0
	for i := 0; i < 3; i++ {
		if errs[i] == nil {
			winners = append(winners, orderIDs[i])
		} else {
			assert.ErrorIs(t, errs[i], ErrOutOfStock)
			losses++
		}
	}
	require.Len(t, winners, 2)
	assert.Equal(t, 1, losses)
	assert.NotEqual(t, winners[0], winners[1], "admitted orders carry distinct ids")

	queued, err := rdb.XLen(ctx, "stream.orders").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, queued)

	w := worker.NewOrderWorker(rdb, redisRepo, svc, nil)
	w.ReadBlock = -1 // plain read; the loop polls
	w.SweepBackoff = 5 * time.Millisecond
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(wctx)
	}()

	assert.Eventually(t, func() bool {
		orders, stock := orderRepo.snapshot()
		pending, err := rdb.XPending(ctx, "stream.orders", "g1").Result()
		return len(orders) == 2 && stock[10] == 0 && err == nil && pending.Count == 0
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	orders, _ := orderRepo.snapshot()
	users := map[int64]bool{}
	for _, o := range orders {
		assert.EqualValues(t, 10, o.VoucherID)
		users[o.UserID] = true
	}
	assert.Len(t, users, 2, "one order per user")
}
