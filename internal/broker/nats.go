package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kds-service/internal/models"
	"kds-service/internal/util"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSConfig configures the JetStream change channel
type NATSConfig struct {
	URL          string
	StreamName   string
	Subject      string
	ConsumerName string
	MaxAge       time.Duration
}

// NATSChannel publishes and tails changes on a JetStream stream.
// It serves as both notifier and change source.
type NATSChannel struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	subject  string
	consumer string
	logger   *zap.Logger
}

// NewNATSChannel connects and ensures the stream exists
func NewNATSChannel(cfg NATSConfig) (*NATSChannel, error) {
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	stream, err := js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.Subject},
		MaxAge:   maxAge,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.StreamName, err)
	}

	return &NATSChannel{
		conn:     conn,
		js:       js,
		stream:   stream,
		subject:  cfg.Subject,
		consumer: cfg.ConsumerName,
		logger:   util.GetLogger(),
	}, nil
}

// Notify publishes one change
func (c *NATSChannel) Notify(ctx context.Context, msg models.FeedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if _, err := c.js.Publish(ctx, c.subject, data); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

// Subscribe tails new changes with a per-instance consumer until ctx is done
func (c *NATSChannel) Subscribe(ctx context.Context, handler ChangeHandler) error {
	consumer, err := c.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:              c.consumer,
		Durable:           c.consumer,
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		FilterSubject:     c.subject,
		InactiveThreshold: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update consumer %s: %w", c.consumer, err)
	}

	cc, err := consumer.Consume(func(m jetstream.Msg) {
		change, err := DecodeChange(m.Data())
		if err != nil {
			c.logger.Warn("Dropping malformed change", zap.Error(err))
			_ = m.Ack()
			return
		}
		if err := handler(ctx, change); err != nil {
			c.logger.Error("Change handler failed", zap.String("ticket_id", change.TicketID), zap.Error(err))
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to consume changes: %w", err)
	}

	c.logger.Info("Tailing NATS changes", zap.String("subject", c.subject), zap.String("consumer", c.consumer))
	<-ctx.Done()
	cc.Stop()
	return ctx.Err()
}

// Close closes the NATS connection
func (c *NATSChannel) Close() error {
	c.conn.Close()
	return nil
}
