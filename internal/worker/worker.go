package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kds-service/internal/broker"
	"kds-service/internal/models"
	"kds-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	idempotencyTTL = 24 * time.Hour
	handleAttempts = 3
	handleBackoff  = 200 * time.Millisecond
)

// EventHandler applies decoded order events
type EventHandler interface {
	Handle(ctx context.Context, evt models.OrderEvent) error
}

// IdempotencyKeys is a fast shared dedupe layer in front of the store
type IdempotencyKeys interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// ProcessedLog is the durable record of handled inbound events
type ProcessedLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// OrderEventWorker consumes inbound order events and builds tickets from them
type OrderEventWorker struct {
	consumer  *broker.Consumer
	handler   EventHandler
	keys      IdempotencyKeys
	processed ProcessedLog
	logger    *zap.Logger
}

// NewOrderEventWorker creates a new order event worker. consumer and keys may be nil
// when events only arrive over HTTP or Redis is not configured.
func NewOrderEventWorker(consumer *broker.Consumer, handler EventHandler, keys IdempotencyKeys, processed ProcessedLog) *OrderEventWorker {
	return &OrderEventWorker{
		consumer:  consumer,
		handler:   handler,
		keys:      keys,
		processed: processed,
		logger:    util.GetLogger(),
	}
}

// Start consumes until ctx is done
func (w *OrderEventWorker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return nil
	}
	w.logger.Info("Starting order event worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// HandleMessage decodes one Kafka message. Malformed events are logged and dropped.
func (w *OrderEventWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	evt, err := models.DecodeOrderEvent(msg.Value)
	if err != nil {
		util.InboundEventsTotal.WithLabelValues("unknown", "invalid").Inc()
		w.logger.Warn("Dropping malformed order event",
			zap.Int64("offset", msg.Offset),
			zap.ByteString("key", msg.Key),
			zap.Error(err))
		return nil
	}

	err = w.Process(ctx, evt)
	if errors.Is(err, models.ErrValidation) {
		w.logger.Warn("Dropping invalid order event",
			zap.String("event_id", evt.Base().EventID), zap.Error(err))
		return nil
	}
	return err
}

// Process applies an event at most once per event id, retrying transient failures
func (w *OrderEventWorker) Process(ctx context.Context, evt models.OrderEvent) error {
	ctx, span := util.StartSpan(ctx, "OrderEventWorker.Process")
	defer span.End()

	base := evt.Base()
	logger := w.logger.With(zap.String("event_id", base.EventID), zap.String("event_type", base.EventType))

	if base.EventID != "" {
		done, err := w.processed.IsEventProcessed(ctx, base.EventID)
		if err != nil {
			return fmt.Errorf("failed to check processed events: %w", err)
		}
		if done {
			util.InboundEventsTotal.WithLabelValues(base.EventType, "duplicate").Inc()
			logger.Info("Event already processed, skipping")
			return nil
		}

		if w.keys != nil {
			claimed, err := w.keys.ClaimIdempotencyKey(ctx, "order-event:"+base.EventID, idempotencyTTL)
			if err != nil {
				logger.Warn("Idempotency key unavailable, relying on store", zap.Error(err))
			} else if !claimed {
				util.InboundEventsTotal.WithLabelValues(base.EventType, "duplicate").Inc()
				logger.Info("Event is being processed elsewhere, skipping")
				return nil
			}
		}
	}

	var err error
retry:
	for attempt := 1; attempt <= handleAttempts; attempt++ {
		err = w.handler.Handle(ctx, evt)
		if err == nil || errors.Is(err, models.ErrValidation) {
			break
		}
		logger.Warn("Order event failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == handleAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		case <-time.After(handleBackoff * time.Duration(attempt)):
		}
	}

	if err != nil {
		if base.EventID != "" && w.keys != nil && !errors.Is(err, models.ErrValidation) {
			if rerr := w.keys.ReleaseIdempotencyKey(context.Background(), "order-event:"+base.EventID); rerr != nil {
				logger.Warn("Failed to release idempotency key", zap.Error(rerr))
			}
		}
		return err
	}

	if base.EventID != "" {
		if err := w.processed.MarkEventProcessed(ctx, base.EventID, base.EventType); err != nil {
			logger.Error("Failed to mark event processed", zap.Error(err))
		}
	}
	return nil
}

// Stop stops the worker
func (w *OrderEventWorker) Stop() error {
	if w.consumer == nil {
		return nil
	}
	w.logger.Info("Stopping order event worker")
	return w.consumer.Close()
}

// ChangeReceiver applies changes from other instances
type ChangeReceiver interface {
	Receive(ctx context.Context, msg models.FeedMessage)
}

// ChangeWorker forwards the shared change channel to local subscribers
type ChangeWorker struct {
	source   broker.ChangeSource
	receiver ChangeReceiver
	logger   *zap.Logger
}

// NewChangeWorker creates a new change worker
func NewChangeWorker(source broker.ChangeSource, receiver ChangeReceiver) *ChangeWorker {
	return &ChangeWorker{
		source:   source,
		receiver: receiver,
		logger:   util.GetLogger(),
	}
}

// Start tails the change channel until ctx is done
func (w *ChangeWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting change worker")
	return w.source.Subscribe(ctx, func(ctx context.Context, msg models.FeedMessage) error {
		w.receiver.Receive(ctx, msg)
		return nil
	})
}

// Stop stops the worker
func (w *ChangeWorker) Stop() error {
	w.logger.Info("Stopping change worker")
	return w.source.Close()
}

// Reaper returns expired print leases to the retry pool
type Reaper interface {
	ReapExpired(ctx context.Context) (int, error)
}

// PrintReaper periodically reaps print jobs whose printer never reported back
type PrintReaper struct {
	reaper   Reaper
	interval time.Duration
	logger   *zap.Logger
}

// NewPrintReaper creates a new print reaper
func NewPrintReaper(reaper Reaper, interval time.Duration) *PrintReaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PrintReaper{
		reaper:   reaper,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs until ctx is done
func (r *PrintReaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.reaper.ReapExpired(ctx)
			if err != nil {
				r.logger.Error("Print reaper failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("Reaped expired print leases", zap.Int("jobs", n))
			}
		}
	}
}
