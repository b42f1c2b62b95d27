package display

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"kds-service/internal/models"
	"kds-service/internal/util"

	"go.uber.org/zap"
)

// ErrFeedClosed is returned by Connect when the live feed ends
var ErrFeedClosed = errors.New("feed closed")

// Backend is the display's view of the ticket service
type Backend interface {
	// Feed subscribes to live changes; the channel closes when the stream ends
	Feed(ctx context.Context, establishmentID, stationID string) (<-chan models.FeedMessage, error)
	Snapshot(ctx context.Context, establishmentID, stationID string) ([]models.Ticket, error)
	SetItemStatus(ctx context.Context, itemID string, status models.ItemStatus, reason string) error
	BumpTicket(ctx context.Context, ticketID string) error
}

// Options configures a station display
type Options struct {
	EstablishmentID string
	StationID       string
	Statuses        []models.TicketStatus
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

// Controller keeps a station screen's local copy of active tickets in sync.
// Actions go to the backend; the cache only changes through the feed or a snapshot.
type Controller struct {
	backend Backend
	logger  *zap.Logger

	mu         sync.RWMutex
	opts       Options
	tickets    map[string]*models.Ticket
	tombstones map[string]int64
	stale      bool
	lastSync   time.Time
	reconnect  context.CancelFunc
	switched   bool
}

// NewController creates a display controller; it starts stale until the first sync
func NewController(backend Backend, opts Options) *Controller {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Controller{
		backend:    backend,
		logger:     util.GetLogger().With(zap.String("establishment_id", opts.EstablishmentID)),
		opts:       opts,
		tickets:    make(map[string]*models.Ticket),
		tombstones: make(map[string]int64),
		stale:      true,
	}
}

// Run keeps the display connected until ctx is done, resyncing after every drop
func (c *Controller) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		connCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.reconnect = cancel
		c.mu.Unlock()

		synced, err := c.connect(connCtx)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if synced {
			backoff = c.opts.MinBackoff
		}
		c.mu.Lock()
		switched := c.switched
		c.switched = false
		c.mu.Unlock()
		if switched {
			continue
		}

		c.logger.Warn("Display feed lost, resyncing", zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

// Connect subscribes, loads a snapshot and applies live changes until the feed ends.
// The display is stale again when it returns.
func (c *Controller) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

func (c *Controller) connect(ctx context.Context) (bool, error) {
	defer c.MarkStale()

	c.mu.RLock()
	establishmentID, stationID := c.opts.EstablishmentID, c.opts.StationID
	c.mu.RUnlock()

	feed, err := c.backend.Feed(ctx, establishmentID, stationID)
	if err != nil {
		return false, err
	}

	snapshot, err := c.backend.Snapshot(ctx, establishmentID, stationID)
	if err != nil {
		return false, err
	}
	c.Replace(snapshot)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-feed:
			if !ok {
				return true, ErrFeedClosed
			}
			c.Apply(msg)
		}
	}
}

// Replace swaps the cache for an authoritative snapshot and clears the stale flag.
// Tombstones are kept only for tickets the snapshot still lists.
func (c *Controller) Replace(snapshot []models.Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	listed := make(map[string]bool, len(snapshot))
	c.tickets = make(map[string]*models.Ticket, len(snapshot))
	for i := range snapshot {
		listed[snapshot[i].ID] = true
		if _, gone := c.tombstones[snapshot[i].ID]; gone {
			continue
		}
		c.tickets[snapshot[i].ID] = snapshot[i].Clone()
	}
	for id := range c.tombstones {
		if !listed[id] {
			delete(c.tombstones, id)
		}
	}
	c.stale = false
	c.lastSync = time.Now()
}

// Apply merges one feed message. Replays and out-of-date messages are ignored;
// the return value reports whether the cache changed.
func (c *Controller) Apply(msg models.FeedMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, gone := c.tombstones[msg.TicketID]; gone {
		return false
	}

	if msg.Removes() {
		delete(c.tickets, msg.TicketID)
		c.tombstones[msg.TicketID] = msg.Version
		return true
	}

	switch msg.Type {
	case models.FeedNewTicket, models.FeedTicketModified:
		if msg.Ticket == nil {
			return false
		}
		current, ok := c.tickets[msg.TicketID]
		if ok && current.Version >= msg.Version {
			return false
		}
		next := msg.Ticket.Clone()
		if ok {
			keepNewerItems(next, current)
		}
		c.tickets[msg.TicketID] = next
		return true

	case models.FeedItemStatusChanged:
		if msg.Item == nil {
			return false
		}
		t, ok := c.tickets[msg.TicketID]
		if !ok {
			return false
		}
		if existing := t.Item(msg.TicketItemID); existing != nil {
			if existing.Version >= msg.Version {
				return false
			}
			*existing = msg.Item.Clone()
			return true
		}
		t.Items = append(t.Items, msg.Item.Clone())
		return true
	}
	return false
}

func keepNewerItems(next, current *models.Ticket) {
	for i := range next.Items {
		if cached := current.Item(next.Items[i].ID); cached != nil && cached.Version > next.Items[i].Version {
			next.Items[i] = cached.Clone()
		}
	}
	for _, cached := range current.Items {
		if next.Item(cached.ID) == nil {
			next.Items = append(next.Items, cached.Clone())
		}
	}
}

// MarkStale flags the cache as possibly behind; the next Connect resyncs it
func (c *Controller) MarkStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Stale reports whether the display needs a resync
func (c *Controller) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale
}

// LastSync is when the last snapshot was applied
func (c *Controller) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// SetStation switches the display to another station and forces a resync
func (c *Controller) SetStation(stationID string) {
	c.mu.Lock()
	c.opts.StationID = stationID
	c.stale = true
	c.switched = true
	reconnect := c.reconnect
	c.mu.Unlock()

	if reconnect != nil {
		reconnect()
	}
}

// SetStatusFilter narrows the visible tickets; empty shows every active status
func (c *Controller) SetStatusFilter(statuses ...models.TicketStatus) {
	c.mu.Lock()
	c.opts.Statuses = statuses
	c.mu.Unlock()
}

// Tickets returns the visible tickets, oldest first
func (c *Controller) Tickets() []models.Ticket {
	c.mu.RLock()
	defer c.mu.RUnlock()

	allowed := make(map[models.TicketStatus]bool, len(c.opts.Statuses))
	for _, st := range c.opts.Statuses {
		allowed[st] = true
	}

	out := make([]models.Ticket, 0, len(c.tickets))
	for _, t := range c.tickets {
		if c.opts.StationID != "" && t.StationID != c.opts.StationID {
			continue
		}
		if len(allowed) > 0 && !allowed[t.Status] {
			continue
		}
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Start fires an item
func (c *Controller) Start(ctx context.Context, itemID string) error {
	return c.backend.SetItemStatus(ctx, itemID, models.ItemCooking, "")
}

// Done marks an item cooked
func (c *Controller) Done(ctx context.Context, itemID string) error {
	return c.backend.SetItemStatus(ctx, itemID, models.ItemDone, "")
}

// Expo sends an item to the pass
func (c *Controller) Expo(ctx context.Context, itemID string) error {
	return c.backend.SetItemStatus(ctx, itemID, models.ItemExpo, "")
}

// Serve marks an item delivered
func (c *Controller) Serve(ctx context.Context, itemID string) error {
	return c.backend.SetItemStatus(ctx, itemID, models.ItemServed, "")
}

// Hold parks an item
func (c *Controller) Hold(ctx context.Context, itemID, reason string) error {
	return c.backend.SetItemStatus(ctx, itemID, models.ItemHold, reason)
}

// Resume returns a held item to the queue
func (c *Controller) Resume(ctx context.Context, itemID string) error {
	return c.backend.SetItemStatus(ctx, itemID, models.ItemPending, "")
}

// Cancel voids an item
func (c *Controller) Cancel(ctx context.Context, itemID, reason string) error {
	return c.backend.SetItemStatus(ctx, itemID, models.ItemCanceled, reason)
}

// Bump clears a ticket
func (c *Controller) Bump(ctx context.Context, ticketID string) error {
	return c.backend.BumpTicket(ctx, ticketID)
}
