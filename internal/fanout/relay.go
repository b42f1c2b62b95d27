package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"kds-service/internal/models"
	"kds-service/internal/util"

	"go.uber.org/zap"
)

// ChangeNotifier carries committed changes to the other service instances
type ChangeNotifier interface {
	Notify(ctx context.Context, msg models.FeedMessage) error
	Close() error
}

// EventRecorder appends audit rows
type EventRecorder interface {
	AppendEvents(ctx context.Context, events ...models.Event) error
}

// RelayOptions tunes peer notification retries
type RelayOptions struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	QueueSize   int
}

// Relay publishes to the local hub synchronously and to peer instances
// through an ordered background queue with retries.
type Relay struct {
	hub      *Hub
	notifier ChangeNotifier
	recorder EventRecorder
	origin   string
	opts     RelayOptions
	logger   *zap.Logger

	queue chan models.FeedMessage
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewRelay creates a relay. notifier may be nil for a single instance.
func NewRelay(hub *Hub, notifier ChangeNotifier, recorder EventRecorder, origin string, opts RelayOptions) *Relay {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Relay{
		hub:      hub,
		notifier: notifier,
		recorder: recorder,
		origin:   origin,
		opts:     opts,
		logger:   util.GetLogger(),
		queue:    make(chan models.FeedMessage, opts.QueueSize),
		done:     make(chan struct{}),
	}
}

// Origin is the instance id stamped on outgoing messages
func (r *Relay) Origin() string {
	return r.origin
}

// Publish hands committed changes to local subscribers and queues them for peers.
// It never blocks on the peer transport.
func (r *Relay) Publish(ctx context.Context, msgs ...models.FeedMessage) {
	for i := range msgs {
		msgs[i].Origin = r.origin
	}
	r.hub.Publish(ctx, msgs...)

	if r.notifier == nil {
		return
	}
	for _, msg := range msgs {
		select {
		case r.queue <- msg:
		default:
			util.ChangeNotifyFailuresTotal.WithLabelValues("true").Inc()
			r.recordFailure(ctx, msg, fmt.Errorf("notify queue full"))
		}
	}
}

// Receive applies a change published by another instance to local subscribers
func (r *Relay) Receive(ctx context.Context, msg models.FeedMessage) {
	if msg.Origin == r.origin {
		return
	}
	r.hub.Publish(ctx, msg)
}

// Start runs the delivery loop until Close
func (r *Relay) Start(ctx context.Context) {
	if r.notifier == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.done:
				r.drain(ctx)
				return
			case <-ctx.Done():
				return
			case msg := <-r.queue:
				r.deliver(ctx, msg)
			}
		}
	}()
}

func (r *Relay) drain(ctx context.Context) {
	for {
		select {
		case msg := <-r.queue:
			r.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (r *Relay) deliver(ctx context.Context, msg models.FeedMessage) {
	var err error
	backoff := r.opts.BaseBackoff
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		if err = r.notifier.Notify(ctx, msg); err == nil {
			return
		}
		util.ChangeNotifyFailuresTotal.WithLabelValues("false").Inc()
		r.logger.Warn("Change notification failed",
			zap.String("ticket_id", msg.TicketID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == r.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			r.recordFailure(context.Background(), msg, ctx.Err())
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.opts.MaxBackoff {
			backoff = r.opts.MaxBackoff
		}
	}

	util.ChangeNotifyFailuresTotal.WithLabelValues("true").Inc()
	r.recordFailure(ctx, msg, err)
}

type notifyFailure struct {
	Channel  string          `json:"channel"`
	FeedType models.FeedType `json:"feed_type"`
	Version  int64           `json:"version"`
	Error    string          `json:"error"`
}

func (r *Relay) recordFailure(ctx context.Context, msg models.FeedMessage, cause error) {
	if r.recorder == nil {
		return
	}
	raw, _ := json.Marshal(notifyFailure{
		Channel:  "change_notify",
		FeedType: msg.Type,
		Version:  msg.Version,
		Error:    cause.Error(),
	})

	evt := models.Event{
		EstablishmentID: msg.EstablishmentID,
		EventType:       models.EventDeliveryFailure,
		Payload:         raw,
		ActorType:       models.ActorSystem,
		CreatedAt:       time.Now(),
	}
	if msg.TicketID != "" {
		id := msg.TicketID
		evt.TicketID = &id
	}
	if msg.TicketItemID != "" {
		id := msg.TicketItemID
		evt.TicketItemID = &id
	}

	if err := r.recorder.AppendEvents(ctx, evt); err != nil {
		r.logger.Error("Failed to record change delivery failure",
			zap.String("ticket_id", msg.TicketID), zap.Error(err))
	}
}

// Close stops the delivery loop after flushing queued messages and closes the notifier
func (r *Relay) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
		if r.notifier != nil {
			err = r.notifier.Close()
		}
	})
	return err
}
