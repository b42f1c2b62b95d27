package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"kds-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// ChangeHandler receives a change published by any service instance
type ChangeHandler func(ctx context.Context, msg models.FeedMessage) error

// ChangeSource delivers changes from the shared change topic.
// Subscribe blocks until ctx is done.
type ChangeSource interface {
	Subscribe(ctx context.Context, handler ChangeHandler) error
	Close() error
}

// KafkaNotifier publishes committed changes to the shared Kafka change topic,
// keyed by ticket so one ticket's changes stay on one partition.
type KafkaNotifier struct {
	producer *Producer
}

// NewKafkaNotifier creates a notifier over producer
func NewKafkaNotifier(producer *Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

// Notify publishes one change
func (n *KafkaNotifier) Notify(ctx context.Context, msg models.FeedMessage) error {
	return n.producer.PublishEvent(ctx, msg.TicketID, msg)
}

// Close closes the producer
func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}

// KafkaChangeSource reads the change topic with a per-instance consumer group
type KafkaChangeSource struct {
	consumer *Consumer
}

// NewKafkaChangeSource tails topic from its end; every instance needs its own groupID
func NewKafkaChangeSource(brokers []string, topic, groupID string) *KafkaChangeSource {
	return &KafkaChangeSource{consumer: NewConsumer(brokers, topic, groupID, FromLatest())}
}

// Subscribe decodes change messages and hands them to handler
func (s *KafkaChangeSource) Subscribe(ctx context.Context, handler ChangeHandler) error {
	return s.consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		change, err := DecodeChange(msg.Value)
		if err != nil {
			// undecodable changes are dropped; peers recover through resync
			return nil
		}
		return handler(ctx, change)
	})
}

// Close closes the consumer
func (s *KafkaChangeSource) Close() error {
	return s.consumer.Close()
}

// DecodeChange parses a change message
func DecodeChange(raw []byte) (models.FeedMessage, error) {
	var msg models.FeedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.FeedMessage{}, fmt.Errorf("%w: failed to unmarshal change: %v", models.ErrValidation, err)
	}
	if msg.EstablishmentID == "" || msg.Type == "" {
		return models.FeedMessage{}, fmt.Errorf("%w: change without establishment or type", models.ErrValidation)
	}
	return msg, nil
}
