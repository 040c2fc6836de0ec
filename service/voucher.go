package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"voucher-system/cache"
	"voucher-system/repository"
)

const (
	voucherKeyPrefix  = "cache:voucher:"
	voucherLockPrefix = "cache:voucher:"

	voucherTTL = 30 * time.Minute
)

// VoucherService serves voucher reads through the cache engine so a spike of
// lookups never lands on MySQL directly.
type VoucherService struct {
	Cache  *cache.Client
	Orders repository.OrderRepository
}

func NewVoucherService(c *cache.Client, orders repository.OrderRepository) *VoucherService {
	return &VoucherService{Cache: c, Orders: orders}
}

// GetVoucher is the regular read path: mutex strategy, so concurrent misses
// on the same voucher rebuild the entry exactly once.
func (s *VoucherService) GetVoucher(ctx context.Context, id int64) (*repository.Voucher, error) {
	return cache.QueryWithMutex(ctx, s.Cache, voucherKeyPrefix, voucherLockPrefix,
		strconv.FormatInt(id, 10), voucherTTL, s.loadVoucher)
}

// GetHotVoucher reads entries maintained with logical expiration. It returns
// nil for vouchers that were never warmed up; WarmUpVoucher must run first.
func (s *VoucherService) GetHotVoucher(ctx context.Context, id int64) (*repository.Voucher, error) {
	return cache.QueryWithLogicalExpire(ctx, s.Cache, voucherKeyPrefix, voucherLockPrefix,
		strconv.FormatInt(id, 10), voucherTTL, s.loadVoucher)
}

// WarmUpVoucher pre-populates the logical-expiration entry for a voucher that
// is about to get hot.
func (s *VoucherService) WarmUpVoucher(ctx context.Context, id int64, ttl time.Duration) error {
	v, err := s.Orders.GetVoucher(ctx, id)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("voucher %d not found", id)
	}
	return s.Cache.SetWithLogicalExpire(ctx, voucherKeyPrefix+strconv.FormatInt(id, 10), v, ttl)
}

// UpdateVoucher writes to MySQL first and then drops the cached entry, so the
// next read rebuilds from the fresh row.
func (s *VoucherService) UpdateVoucher(ctx context.Context, v *repository.Voucher) error {
	if err := s.Orders.SaveVoucher(ctx, v); err != nil {
		return err
	}
	return s.Cache.Delete(ctx, voucherKeyPrefix+strconv.FormatInt(v.ID, 10))
}

func (s *VoucherService) loadVoucher(ctx context.Context, id string) (*repository.Voucher, error) {
	voucherID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, err
	}
	return s.Orders.GetVoucher(ctx, voucherID)
}
