package worker

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"voucher-system/lock"
	"voucher-system/repository"
)

const (
	orderLockPrefix = "seckill-order:"
	orderLockTTL    = 10 * time.Second
)

// OrderPersister is the persistence unit the worker drives; contention
// outcomes are already absorbed by the implementation, so any returned error
// is infrastructural and leaves the entry pending.
type OrderPersister interface {
	PersistOrder(ctx context.Context, order *repository.VoucherOrder) error
}

// OrderWorker is the single background consumer of the admitted-order stream.
// It runs in two modes: the normal loop reads entries not yet delivered to
// its consumer group; after any failure it sweeps the group's pending list
// from the beginning until it is empty. Because the sweep also runs at
// startup, a crash between persistence and acknowledgment loses nothing; the
// entry is simply replayed, and persistence is idempotent.
//
// An entry that keeps failing must not wedge the sweep: after MaxAttempts
// replays (and immediately for an unparseable entry) it is moved to the dead
// letter queue and acknowledged, and the worker moves on.
type OrderWorker struct {
	Redis     repository.SeckillRepository
	Persister OrderPersister
	Events    repository.EventPublisher

	rdb *redis.Client

	ReadBlock    time.Duration
	SweepBackoff time.Duration
	MaxAttempts  int
}

func NewOrderWorker(rdb *redis.Client, repo repository.SeckillRepository, persister OrderPersister, events repository.EventPublisher) *OrderWorker {
	return &OrderWorker{
		Redis:        repo,
		Persister:    persister,
		Events:       events,
		rdb:          rdb,
		ReadBlock:    2 * time.Second,
		SweepBackoff: 20 * time.Millisecond,
		MaxAttempts:  3,
	}
}

// Run consumes the order stream until ctx is cancelled.
func (w *OrderWorker) Run(ctx context.Context) {
	log.Println("order worker started")

	if err := w.Redis.EnsureOrderGroup(ctx); err != nil {
		log.Printf("ensure consumer group: %v", err)
	}

	// resume after a previous shutdown or crash: drain our own pending list
	// before touching new entries
	w.drainPending(ctx)

	for {
		if ctx.Err() != nil {
			log.Println("order worker stopped")
			return
		}

		msgs, err := w.Redis.ReadNewOrders(ctx, 1, w.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("order worker stopped")
				return
			}
			log.Printf("read orders: %v", err)
			w.drainPending(ctx)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		if msg.Err != nil {
			w.deadLetter(ctx, msg, msg.Err)
			continue
		}
		if err := w.handleOrder(ctx, &msg.Order); err != nil {
			log.Printf("create order %d: %v", msg.Order.ID, err)
			w.drainPending(ctx)
			continue
		}
		if err := w.Redis.AckOrder(ctx, msg.ID); err != nil {
			log.Printf("ack entry %s: %v", msg.ID, err)
			w.drainPending(ctx)
		}
	}
}

// drainPending replays delivered-but-unacknowledged entries from the start of
// this consumer's pending list until none remain. An entry that fails
// MaxAttempts replays in a row is dead-lettered so it cannot block the
// entries behind it.
func (w *OrderWorker) drainPending(ctx context.Context) {
	attempts := make(map[string]int)
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := w.Redis.ReadPendingOrders(ctx, 1)
		if err != nil {
			log.Printf("read pending orders: %v", err)
			if sleepCtx(ctx, w.SweepBackoff) != nil {
				return
			}
			continue
		}
		if len(msgs) == 0 {
			return
		}

		msg := msgs[0]
		if msg.Err != nil {
			w.deadLetter(ctx, msg, msg.Err)
			if sleepCtx(ctx, w.SweepBackoff) != nil {
				return
			}
			continue
		}
		if err := w.handleOrder(ctx, &msg.Order); err != nil {
			attempts[msg.ID]++
			log.Printf("replay order %d (attempt %d/%d): %v", msg.Order.ID, attempts[msg.ID], w.MaxAttempts, err)
			if attempts[msg.ID] >= w.MaxAttempts {
				w.deadLetter(ctx, msg, err)
				delete(attempts, msg.ID)
				continue
			}
			if sleepCtx(ctx, w.SweepBackoff) != nil {
				return
			}
			continue
		}
		if err := w.Redis.AckOrder(ctx, msg.ID); err != nil {
			log.Printf("ack entry %s: %v", msg.ID, err)
			if sleepCtx(ctx, w.SweepBackoff) != nil {
				return
			}
			continue
		}
		delete(attempts, msg.ID)
	}
}

// deadLetter moves an entry the worker cannot process to the DLQ and
// acknowledges it. When the DLQ publish itself fails the entry stays pending
// and will be retried; losing it silently would be worse than re-sweeping.
func (w *OrderWorker) deadLetter(ctx context.Context, msg repository.OrderMessage, cause error) {
	log.Printf("entry %s moved to DLQ: %v", msg.ID, cause)

	if w.Events != nil {
		value, err := json.Marshal(msg.Order)
		if err != nil {
			value = []byte(msg.ID)
		}
		key := []byte(strconv.FormatInt(msg.Order.UserID, 10))
		if err := w.Events.PublishToDLQ(ctx, key, value, cause.Error()); err != nil {
			log.Printf("publish entry %s to DLQ: %v", msg.ID, err)
			return
		}
	}
	if err := w.Redis.AckOrder(ctx, msg.ID); err != nil {
		log.Printf("ack entry %s: %v", msg.ID, err)
	}
}

// handleOrder serializes persistence per user with a distributed lock. The
// admission script already de-duplicates per user, so a held lock can only
// mean a concurrent replay of the same entry; skipping is safe because the
// other holder performs the identical idempotent write.
func (w *OrderWorker) handleOrder(ctx context.Context, order *repository.VoucherOrder) error {
	l := lock.New(w.rdb, orderLockPrefix+strconv.FormatInt(order.UserID, 10))
	acquired, err := l.TryLock(ctx, orderLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		log.Printf("order %d: persistence for user %d already in flight", order.ID, order.UserID)
		return nil
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Printf("unlock user %d: %v", order.UserID, err)
		}
	}()

	if err := w.Persister.PersistOrder(ctx, order); err != nil {
		return err
	}

	if w.Events != nil {
		if err := w.Events.PublishOrderCreated(ctx, order); err != nil {
			// order already durable in MySQL; the event is best-effort
			log.Printf("publish order %d event: %v", order.ID, err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
