package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stockKeyPrefix = "seckill:stock:"
	orderSetPrefix = "seckill:order:"

	activeSetKey    = "seckill:active_set"
	waitingQueueKey = "seckill:waiting_queue"
)

type RedisRepository struct {
	Client   *redis.Client
	Stream   string
	Group    string
	Consumer string
}

func NewRedisRepository(client *redis.Client, stream, group, consumer string) *RedisRepository {
	return &RedisRepository{
		Client:   client,
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
	}
}

// admitScript is the whole admission decision in one indivisible server-side
// step: duplicate-user check, stock check, stock decrement, ordered-set add
// and queue append. Splitting any of these into separate round trips would
// reopen the check-then-act race between concurrent requests, possibly on
// different processes. The duplicate check runs first so a repeat buyer is
// told so even after the voucher sells out.
//
// Returns 0 = admitted, 1 = out of stock, 2 = user already ordered.
var admitScript = redis.NewScript(`
local voucherId = ARGV[1]
local userId = ARGV[2]
local orderId = ARGV[3]

if redis.call("SISMEMBER", KEYS[2], userId) == 1 then
    return 2
end
local stock = redis.call("GET", KEYS[1])
if not stock or tonumber(stock) <= 0 then
    return 1
end

redis.call("INCRBY", KEYS[1], -1)
redis.call("SADD", KEYS[2], userId)
redis.call("XADD", KEYS[3], "*", "id", orderId, "userId", userId, "voucherId", voucherId)
return 0
`)

func (r *RedisRepository) Admit(ctx context.Context, voucherID, userID, orderID int64) (AdmissionResult, error) {
	voucher := strconv.FormatInt(voucherID, 10)
	keys := []string{stockKeyPrefix + voucher, orderSetPrefix + voucher, r.Stream}

	res, err := admitScript.Run(ctx, r.Client, keys,
		voucher, strconv.FormatInt(userID, 10), strconv.FormatInt(orderID, 10)).Int()
	if err != nil {
		return 0, err
	}
	return AdmissionResult(res), nil
}

// PrimeVoucher loads the sale's stock counter into Redis and clears the
// ordered-user set. Run before the sale window opens; the admission script
// rejects everything while the stock key is absent.
func (r *RedisRepository) PrimeVoucher(ctx context.Context, voucherID int64, stock int) error {
	voucher := strconv.FormatInt(voucherID, 10)
	if err := r.Client.Set(ctx, stockKeyPrefix+voucher, stock, 0).Err(); err != nil {
		return err
	}
	return r.Client.Del(ctx, orderSetPrefix+voucher).Err()
}

func (r *RedisRepository) CachedStock(ctx context.Context, voucherID int64) (int, error) {
	val, err := r.Client.Get(ctx, stockKeyPrefix+strconv.FormatInt(voucherID, 10)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// EnsureOrderGroup creates the consumer group (and the stream, if missing).
// An already-existing group is fine.
func (r *RedisRepository) EnsureOrderGroup(ctx context.Context) error {
	err := r.Client.XGroupCreateMkStream(ctx, r.Stream, r.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ReadNewOrders blocks up to the given duration for entries not yet delivered
// to this group. An empty slice means the queue is idle.
func (r *RedisRepository) ReadNewOrders(ctx context.Context, count int64, block time.Duration) ([]OrderMessage, error) {
	streams, err := r.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.Group,
		Consumer: r.Consumer,
		Streams:  []string{r.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseOrderMessages(streams)
}

// ReadPendingOrders replays entries that were delivered to this consumer but
// never acknowledged, from the start of its pending list.
func (r *RedisRepository) ReadPendingOrders(ctx context.Context, count int64) ([]OrderMessage, error) {
	streams, err := r.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.Group,
		Consumer: r.Consumer,
		Streams:  []string{r.Stream, "0"},
		Count:    count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseOrderMessages(streams)
}

func (r *RedisRepository) AckOrder(ctx context.Context, msgID string) error {
	return r.Client.XAck(ctx, r.Stream, r.Group, msgID).Err()
}

func parseOrderMessages(streams []redis.XStream) ([]OrderMessage, error) {
	var out []OrderMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, parseOrderMessage(m))
		}
	}
	return out, nil
}

func parseOrderMessage(m redis.XMessage) OrderMessage {
	msg := OrderMessage{ID: m.ID}
	var err error
	if msg.Order.ID, err = fieldInt64(m.Values, "id"); err != nil {
		msg.Err = fmt.Errorf("entry %s: %w", m.ID, err)
		return msg
	}
	if msg.Order.UserID, err = fieldInt64(m.Values, "userId"); err != nil {
		msg.Err = fmt.Errorf("entry %s: %w", m.ID, err)
		return msg
	}
	if msg.Order.VoucherID, err = fieldInt64(m.Values, "voucherId"); err != nil {
		msg.Err = fmt.Errorf("entry %s: %w", m.ID, err)
		return msg
	}
	return msg
}

func fieldInt64(values map[string]interface{}, field string) (int64, error) {
	raw, ok := values[field].(string)
	if !ok {
		return 0, fmt.Errorf("missing field %q", field)
	}
	return strconv.ParseInt(raw, 10, 64)
}

var enqueueScript = redis.NewScript(`
    local active_set_key = KEYS[1]
    local waiting_queue_key = KEYS[2]
    local user_id = ARGV[1]
    local max_active = tonumber(ARGV[2])
    local timestamp = ARGV[3]

    if redis.call("SISMEMBER", active_set_key, user_id) == 1 then
        return {"ACTIVE", 0}
    end

    local current_active_size = redis.call("SCARD", active_set_key)
    if current_active_size < max_active then
        redis.call("SADD", active_set_key, user_id)
        return {"ACTIVE", 0}
    end

    redis.call("ZADD", waiting_queue_key, timestamp, user_id)
    local rank = redis.call("ZRANK", waiting_queue_key, user_id)

    return {"WAITING", rank + 1}
`)

// TryEnterOrEnqueue admits the user to the active set when there is room and
// otherwise parks them in the waiting queue, returning their 1-based rank.
func (r *RedisRepository) TryEnterOrEnqueue(ctx context.Context, userID string, maxActive int) (string, int, error) {
	keys := []string{activeSetKey, waitingQueueKey}
	args := []interface{}{userID, maxActive, time.Now().UnixNano()}

	result, err := enqueueScript.Run(ctx, r.Client, keys, args...).Result()
	if err != nil {
		return "", 0, err
	}

	res, ok := result.([]interface{})
	if !ok || len(res) < 2 {
		return "", 0, fmt.Errorf("unexpected enqueue script result format")
	}

	status, _ := res[0].(string)
	var rank int
	switch v := res[1].(type) {
	case int64:
		rank = int(v)
	case int:
		rank = v
	}

	return status, rank, nil
}

// RemoveActiveUser frees the user's active-set slot once their attempt is
// finished, successful or not.
func (r *RedisRepository) RemoveActiveUser(ctx context.Context, userID string) error {
	return r.Client.SRem(ctx, activeSetKey, userID).Err()
}

var promoteScript = redis.NewScript(`
    local waiting_queue_key = KEYS[1]
    local active_set_key = KEYS[2]
    local max_active = tonumber(ARGV[1])

    local current_active_size = redis.call("SCARD", active_set_key)
    local seats_available = max_active - current_active_size

    if seats_available <= 0 then
        return 0
    end

    local users = redis.call("ZPOPMIN", waiting_queue_key, seats_available)
    local promoted_count = 0

    for i = 1, #users, 2 do
        redis.call("SADD", active_set_key, users[i])
        promoted_count = promoted_count + 1
    end

    return promoted_count
`)

// PromoteUsers moves the longest-waiting users into free active-set slots.
func (r *RedisRepository) PromoteUsers(ctx context.Context, maxActive int) (int, error) {
	keys := []string{waitingQueueKey, activeSetKey}
	return promoteScript.Run(ctx, r.Client, keys, maxActive).Int()
}
