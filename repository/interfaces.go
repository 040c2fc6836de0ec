package repository

import (
	"context"
	"time"
)

// AdmissionResult is the outcome of the atomic seckill admission script.
type AdmissionResult int

const (
	AdmissionOK AdmissionResult = iota
	AdmissionOutOfStock
	AdmissionDuplicate
)

// OrderMessage is one durable queue entry: a stream id plus the admitted
// order it carries. Err is set instead of Order when the entry's fields
// cannot be parsed; a bad entry must not block the rest of the read.
type OrderMessage struct {
	ID    string
	Order VoucherOrder
	Err   error
}

/*
 * SeckillRepository
 * Redis-side primitives: atomic admission, the durable order stream, stock
 * priming and the virtual waiting room.
 */

type SeckillRepository interface {
	// Admission & stock
	PrimeVoucher(ctx context.Context, voucherID int64, stock int) error
	CachedStock(ctx context.Context, voucherID int64) (int, error)
	Admit(ctx context.Context, voucherID, userID, orderID int64) (AdmissionResult, error)

	// Durable order queue (consumer-group stream)
	EnsureOrderGroup(ctx context.Context) error
	ReadNewOrders(ctx context.Context, count int64, block time.Duration) ([]OrderMessage, error)
	ReadPendingOrders(ctx context.Context, count int64) ([]OrderMessage, error)
	AckOrder(ctx context.Context, msgID string) error

	// Virtual waiting queue
	TryEnterOrEnqueue(ctx context.Context, userID string, maxActive int) (string, int, error)
	RemoveActiveUser(ctx context.Context, userID string) error
	PromoteUsers(ctx context.Context, maxActive int) (int, error)
}

/*
 * OrderRepository
 * Final voucher and order persistence in the RDBMS (MySQL).
 */

type OrderRepository interface {
	GetVoucher(ctx context.Context, id int64) (*Voucher, error)
	SaveVoucher(ctx context.Context, v *Voucher) error
	CreateVoucherOrder(ctx context.Context, order *VoucherOrder) error
	CountOrders(ctx context.Context, userID, voucherID int64) (int64, error)
}

// EventPublisher emits downstream events for orders that reached MySQL.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, order *VoucherOrder) error
	PublishToDLQ(ctx context.Context, key, value []byte, reason string) error
}
