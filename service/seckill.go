package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"voucher-system/idgen"
	"voucher-system/metrics"
	"voucher-system/repository"
)

var (
	// ErrOutOfStock and ErrAlreadyOrdered are contention outcomes, not
	// failures; handlers translate them into user-presentable rejections.
	ErrOutOfStock     = errors.New("out of stock")
	ErrAlreadyOrdered = errors.New("already ordered")
)

const orderBusinessKey = "order"

type SeckillService struct {
	Redis  repository.SeckillRepository
	Orders repository.OrderRepository
	IDGen  *idgen.Generator
}

func NewSeckillService(redis repository.SeckillRepository, orders repository.OrderRepository, idGen *idgen.Generator) *SeckillService {
	return &SeckillService{
		Redis:  redis,
		Orders: orders,
		IDGen:  idGen,
	}
}

// Seckill admits or rejects one purchase attempt. The order id is allocated
// before the admission script runs so the id returned to the client is the
// same one the queue entry carries; persistence happens later, off the
// request path.
func (s *SeckillService) Seckill(ctx context.Context, voucherID, userID int64) (int64, error) {
	metrics.SeckillRequests.Inc()

	orderID, err := s.IDGen.NextID(ctx, orderBusinessKey)
	if err != nil {
		return 0, err
	}

	result, err := s.Redis.Admit(ctx, voucherID, userID, orderID)
	if err != nil {
		return 0, err
	}

	switch result {
	case repository.AdmissionOK:
		metrics.SeckillAdmitted.Inc()
		if stock, err := s.Redis.CachedStock(ctx, voucherID); err == nil {
			metrics.VoucherStockLevel.WithLabelValues(strconv.FormatInt(voucherID, 10)).Set(float64(stock))
		}
		return orderID, nil
	case repository.AdmissionOutOfStock:
		metrics.SeckillRejected.WithLabelValues("out_of_stock").Inc()
		return 0, ErrOutOfStock
	case repository.AdmissionDuplicate:
		metrics.SeckillRejected.WithLabelValues("already_ordered").Inc()
		return 0, ErrAlreadyOrdered
	default:
		return 0, fmt.Errorf("unexpected admission result %d", result)
	}
}

// PrepareVoucher copies the relational stock into Redis ahead of the sale
// window and resets the ordered-user set.
func (s *SeckillService) PrepareVoucher(ctx context.Context, voucherID int64) error {
	v, err := s.Orders.GetVoucher(ctx, voucherID)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("voucher %d not found", voucherID)
	}
	if err := s.Redis.PrimeVoucher(ctx, voucherID, v.Stock); err != nil {
		return err
	}
	metrics.VoucherStockLevel.WithLabelValues(strconv.FormatInt(voucherID, 10)).Set(float64(v.Stock))
	return nil
}

// PersistOrder writes an admitted order to MySQL. Duplicate or depleted-stock
// results here mean the admission script's guarantees were bypassed (script
// bug or replay after a crash); redoing the entry cannot change the outcome,
// so they are logged and reported as success so the queue entry is still
// acknowledged. Infra failures are returned and leave the entry pending.
func (s *SeckillService) PersistOrder(ctx context.Context, order *repository.VoucherOrder) error {
	err := s.Orders.CreateVoucherOrder(ctx, order)
	switch {
	case err == nil:
		metrics.OrdersPersisted.Inc()
		return nil
	case errors.Is(err, repository.ErrDuplicateOrder):
		log.Printf("order %d: user %d already has an order for voucher %d", order.ID, order.UserID, order.VoucherID)
		return nil
	case errors.Is(err, repository.ErrStockDepleted):
		log.Printf("order %d: voucher %d stock depleted in MySQL", order.ID, order.VoucherID)
		return nil
	default:
		return err
	}
}
