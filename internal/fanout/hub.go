package fanout

import (
	"context"
	"sync"

	"kds-service/internal/models"
	"kds-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber queue length
const DefaultBufferSize = 256

// Subscription is one live feed listener. C is closed when the subscriber
// is evicted for falling behind or the hub shuts down; the client must resync.
type Subscription struct {
	ID              string
	EstablishmentID string
	StationID       string

	ch     chan models.FeedMessage
	mu     sync.Mutex
	closed bool
}

// C returns the message channel
func (s *Subscription) C() <-chan models.FeedMessage {
	return s.ch
}

func (s *Subscription) matches(msg models.FeedMessage) bool {
	return s.StationID == "" || s.StationID == msg.StationID
}

// offer enqueues without blocking; false means the buffer is full
func (s *Subscription) offer(msg models.FeedMessage) (sent, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- msg:
		return true, true
	default:
		return false, true
	}
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Hub is the per-process registry of live subscribers, keyed by establishment
type Hub struct {
	bufferSize int
	logger     *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription
}

// NewHub creates a hub; bufferSize <= 0 uses DefaultBufferSize
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		bufferSize: bufferSize,
		logger:     util.GetLogger(),
		subs:       make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a listener for an establishment, optionally narrowed to one station
func (h *Hub) Subscribe(establishmentID, stationID string) *Subscription {
	sub := &Subscription{
		ID:              uuid.New().String(),
		EstablishmentID: establishmentID,
		StationID:       stationID,
		ch:              make(chan models.FeedMessage, h.bufferSize),
	}

	h.mu.Lock()
	est, ok := h.subs[establishmentID]
	if !ok {
		est = make(map[string]*Subscription)
		h.subs[establishmentID] = est
	}
	est[sub.ID] = sub
	h.mu.Unlock()

	util.FanoutSubscribers.Inc()
	h.logger.Info("Feed subscriber connected",
		zap.String("subscriber_id", sub.ID),
		zap.String("establishment_id", establishmentID),
		zap.String("station_id", stationID))
	return sub
}

// Unsubscribe removes and closes a listener; safe to call more than once
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if est, ok := h.subs[sub.EstablishmentID]; ok {
		delete(est, sub.ID)
		if len(est) == 0 {
			delete(h.subs, sub.EstablishmentID)
		}
	}
	h.mu.Unlock()

	if sub.close() {
		util.FanoutSubscribers.Dec()
	}
}

// Publish delivers messages to every matching subscriber in order.
// A subscriber whose buffer is full is evicted rather than silently skipped.
func (h *Hub) Publish(_ context.Context, msgs ...models.FeedMessage) {
	var evicted []*Subscription

	for _, msg := range msgs {
		h.mu.RLock()
		for _, sub := range h.subs[msg.EstablishmentID] {
			if !sub.matches(msg) {
				continue
			}
			if sent, open := sub.offer(msg); !sent && open {
				evicted = append(evicted, sub)
			}
		}
		h.mu.RUnlock()
	}

	for _, sub := range evicted {
		if sub.close() {
			util.FanoutSubscribers.Dec()
			util.FanoutEvictionsTotal.Inc()
			h.logger.Warn("Feed subscriber fell behind, evicted",
				zap.String("subscriber_id", sub.ID),
				zap.String("establishment_id", sub.EstablishmentID))
		}
		h.mu.Lock()
		if est, ok := h.subs[sub.EstablishmentID]; ok {
			delete(est, sub.ID)
			if len(est) == 0 {
				delete(h.subs, sub.EstablishmentID)
			}
		}
		h.mu.Unlock()
	}
}

// Count returns the number of subscribers of an establishment
func (h *Hub) Count(establishmentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[establishmentID])
}

// Close evicts every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	for _, est := range all {
		for _, sub := range est {
			if sub.close() {
				util.FanoutSubscribers.Dec()
			}
		}
	}
}
