package repository

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"
)

type KafkaRepository struct {
	Writer     *kafka.Writer
	OrderTopic string
	DLQTopic   string
}

func NewKafkaRepository(brokers []string, orderTopic, dlqTopic string) *KafkaRepository {
	return &KafkaRepository{
		Writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
		},
		OrderTopic: orderTopic,
		DLQTopic:   dlqTopic,
	}
}

// PublishOrderCreated emits the order after it is durably in MySQL. Delivery
// is best-effort: the order itself is already safe.
func (r *KafkaRepository) PublishOrderCreated(ctx context.Context, order *VoucherOrder) error {
	value, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return r.Writer.WriteMessages(ctx, kafka.Message{
		Topic: r.OrderTopic,
		Key:   []byte(strconv.FormatInt(order.UserID, 10)),
		Value: value,
	})
}

func (r *KafkaRepository) PublishToDLQ(ctx context.Context, key, value []byte, reason string) error {
	return r.Writer.WriteMessages(ctx, kafka.Message{
		Topic: r.DLQTopic,
		Key:   key,
		Value: value,
		Headers: []kafka.Header{
			{Key: "error_reason", Value: []byte(reason)},
		},
	})
}

func (r *KafkaRepository) Close() error {
	return r.Writer.Close()
}
