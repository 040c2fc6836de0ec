package repository

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// Voucher is the relational stock row. Stock is only ever mutated through
// the conditional decrement inside CreateVoucherOrder.
type Voucher struct {
	ID    int64  `gorm:"primaryKey" json:"id"`
	Title string `gorm:"column:title" json:"title"`
	Stock int    `gorm:"column:stock" json:"stock"`
}

func (Voucher) TableName() string {
	return "seckill_vouchers"
}

// VoucherOrder is the persisted order. The id is pre-allocated at admission
// time, so it is stable across the whole pipeline.
type VoucherOrder struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	UserID    int64     `gorm:"column:user_id;uniqueIndex:idx_user_voucher" json:"user_id"`
	VoucherID int64     `gorm:"column:voucher_id;uniqueIndex:idx_user_voucher" json:"voucher_id"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (VoucherOrder) TableName() string {
	return "voucher_orders"
}

var (
	// ErrDuplicateOrder: the (user, voucher) pair already has an order.
	ErrDuplicateOrder = errors.New("user already ordered this voucher")
	// ErrStockDepleted: the conditional decrement matched no row.
	ErrStockDepleted = errors.New("voucher stock depleted")
)

type MySQLRepository struct {
	DB *gorm.DB
}

func NewMySQLRepository(db *gorm.DB) *MySQLRepository {
	return &MySQLRepository{DB: db}
}

func (r *MySQLRepository) GetVoucher(ctx context.Context, id int64) (*Voucher, error) {
	var v Voucher
	err := r.DB.WithContext(ctx).First(&v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *MySQLRepository) SaveVoucher(ctx context.Context, v *Voucher) error {
	return r.DB.WithContext(ctx).Save(v).Error
}

// CreateVoucherOrder runs the duplicate re-check, the guarded stock decrement
// and the insert as one transaction. The admission script should have made
// the two failure cases impossible, but the worker may replay an entry after
// a crash between persistence and acknowledgment, so the check has to be
// repeated here to keep persistence idempotent.
func (r *MySQLRepository) CreateVoucherOrder(ctx context.Context, order *VoucherOrder) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&VoucherOrder{}).
			Where("user_id = ? AND voucher_id = ?", order.UserID, order.VoucherID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateOrder
		}

		// stock > 0 guard instead of read-then-write
		res := tx.Model(&Voucher{}).
			Where("id = ? AND stock > 0", order.VoucherID).
			Update("stock", gorm.Expr("stock - 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStockDepleted
		}

		if err := tx.Create(order).Error; err != nil {
			var mysqlErr *mysql.MySQLError
			if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				return ErrDuplicateOrder
			}
			return err
		}
		return nil
	})
}

func (r *MySQLRepository) CountOrders(ctx context.Context, userID, voucherID int64) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", userID, voucherID).
		Count(&count).Error
	return count, err
}
