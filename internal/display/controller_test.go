package display

import (
	"context"
	"sync"
	"testing"
	"time"

	"kds-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opened = time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu       sync.Mutex
	calls    []string
	feed     chan models.FeedMessage
	snapshot []models.Ticket
	commands []string
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBackend) Feed(ctx context.Context, establishmentID, stationID string) (<-chan models.FeedMessage, error) {
	b.record("feed:" + stationID)
	return b.feed, nil
}

func (b *fakeBackend) Snapshot(ctx context.Context, establishmentID, stationID string) ([]models.Ticket, error) {
	b.record("snapshot:" + stationID)
	return b.snapshot, nil
}

func (b *fakeBackend) SetItemStatus(ctx context.Context, itemID string, status models.ItemStatus, reason string) error {
	b.mu.Lock()
	b.commands = append(b.commands, itemID+"="+string(status)+"/"+reason)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) BumpTicket(ctx context.Context, ticketID string) error {
	b.mu.Lock()
	b.commands = append(b.commands, "bump:"+ticketID)
	b.mu.Unlock()
	return nil
}

func ticket(id, station string, status models.TicketStatus, version int64, age time.Duration, items ...models.TicketItem) models.Ticket {
	return models.Ticket{
		ID:              id,
		EstablishmentID: "est-1",
		StationID:       station,
		Status:          status,
		Version:         version,
		CreatedAt:       opened.Add(age),
		Items:           items,
	}
}

func item(id string, status models.ItemStatus, version int64) models.TicketItem {
	return models.TicketItem{ID: id, Name: id, Quantity: 1, Status: status, Version: version}
}

func ticketMsg(typ models.FeedType, t models.Ticket) models.FeedMessage {
	return models.FeedMessage{
		Type:            typ,
		EstablishmentID: t.EstablishmentID,
		StationID:       t.StationID,
		TicketID:        t.ID,
		Version:         t.Version,
		Ticket:          &t,
	}
}

func itemMsg(ticketID string, it models.TicketItem) models.FeedMessage {
	return models.FeedMessage{
		Type:         models.FeedItemStatusChanged,
		TicketID:     ticketID,
		TicketItemID: it.ID,
		Version:      it.Version,
		Item:         &it,
	}
}

func TestApplyIgnoresReplays(t *testing.T) {
	c := NewController(&fakeBackend{}, Options{EstablishmentID: "est-1"})
	c.Replace([]models.Ticket{ticket("t1", "grill", models.TicketOpen, 2, 0, item("i1", models.ItemPending, 1))})

	cooking := item("i1", models.ItemCooking, 2)
	assert.True(t, c.Apply(itemMsg("t1", cooking)))
	assert.False(t, c.Apply(itemMsg("t1", cooking)))
	assert.False(t, c.Apply(itemMsg("t1", item("i1", models.ItemPending, 1))))

	older := ticket("t1", "grill", models.TicketOpen, 2, 0)
	assert.False(t, c.Apply(ticketMsg(models.FeedTicketModified, older)))

	got := c.Tickets()
	require.Len(t, got, 1)
	assert.Equal(t, models.ItemCooking, got[0].Items[0].Status)
}

func TestApplyKeepsNewerItems(t *testing.T) {
	c := NewController(&fakeBackend{}, Options{EstablishmentID: "est-1"})
	c.Replace([]models.Ticket{ticket("t1", "grill", models.TicketOpen, 2, 0,
		item("i1", models.ItemPending, 1), item("i2", models.ItemPending, 1))})

	require.True(t, c.Apply(itemMsg("t1", item("i1", models.ItemDone, 3))))

	// ticket change built before the item update landed
	next := ticket("t1", "grill", models.TicketInProgress, 3, 0, item("i1", models.ItemCooking, 2))
	require.True(t, c.Apply(ticketMsg(models.FeedTicketModified, next)))

	got := c.Tickets()
	require.Len(t, got, 1)
	assert.Equal(t, models.TicketInProgress, got[0].Status)
	require.Len(t, got[0].Items, 2)
	assert.Equal(t, models.ItemDone, got[0].Items[0].Status)
	assert.Equal(t, "i2", got[0].Items[1].ID)
}

func TestTombstoneBlocksLateMessages(t *testing.T) {
	c := NewController(&fakeBackend{}, Options{EstablishmentID: "est-1"})
	t1 := ticket("t1", "grill", models.TicketReady, 4, 0, item("i1", models.ItemDone, 2))
	c.Replace([]models.Ticket{t1})

	bumped := t1
	bumped.Status = models.TicketBumped
	bumped.Version = 5
	require.True(t, c.Apply(ticketMsg(models.FeedTicketBumped, bumped)))
	assert.Empty(t, c.Tickets())

	late := t1
	late.Version = 6
	assert.False(t, c.Apply(ticketMsg(models.FeedTicketModified, late)))
	assert.False(t, c.Apply(itemMsg("t1", item("i1", models.ItemExpo, 3))))

	c.Replace([]models.Ticket{t1})
	assert.Empty(t, c.Tickets())
}

func TestReplacePrunesTombstones(t *testing.T) {
	c := NewController(&fakeBackend{}, Options{EstablishmentID: "est-1"})
	t1 := ticket("t1", "grill", models.TicketOpen, 1, 0)
	t2 := ticket("t2", "grill", models.TicketOpen, 1, time.Minute)
	c.Replace([]models.Ticket{t1, t2})

	for _, tkt := range []models.Ticket{t1, t2} {
		bumped := tkt
		bumped.Status = models.TicketBumped
		bumped.Version = 2
		require.True(t, c.Apply(ticketMsg(models.FeedTicketBumped, bumped)))
	}
	assert.Len(t, c.tombstones, 2)

	// a lagging snapshot still lists t1; t2 is gone for good
	c.Replace([]models.Ticket{t1})
	assert.Empty(t, c.Tickets())
	assert.Len(t, c.tombstones, 1)
	assert.Contains(t, c.tombstones, "t1")

	c.Replace(nil)
	assert.Empty(t, c.tombstones)
}

func TestTicketsFiltersAndSorts(t *testing.T) {
	c := NewController(&fakeBackend{}, Options{EstablishmentID: "est-1"})
	c.Replace([]models.Ticket{
		ticket("t3", "grill", models.TicketReady, 1, 2*time.Minute),
		ticket("t1", "grill", models.TicketOpen, 1, time.Minute),
		ticket("t2", "fry", models.TicketOpen, 1, 0),
		ticket("t0", "grill", models.TicketInProgress, 1, time.Minute),
	})

	ids := func() []string {
		var out []string
		for _, t := range c.Tickets() {
			out = append(out, t.ID)
		}
		return out
	}

	assert.Equal(t, []string{"t2", "t0", "t1", "t3"}, ids())

	c.SetStatusFilter(models.TicketOpen, models.TicketInProgress)
	assert.Equal(t, []string{"t2", "t0", "t1"}, ids())

	c.SetStation("grill")
	assert.Equal(t, []string{"t0", "t1"}, ids())
	assert.True(t, c.Stale())
}

func TestActionsGoThroughBackend(t *testing.T) {
	backend := &fakeBackend{}
	c := NewController(backend, Options{EstablishmentID: "est-1"})
	c.Replace([]models.Ticket{ticket("t1", "grill", models.TicketOpen, 1, 0, item("i1", models.ItemPending, 1))})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "i1"))
	require.NoError(t, c.Hold(ctx, "i1", "waiting on table"))
	require.NoError(t, c.Resume(ctx, "i1"))
	require.NoError(t, c.Done(ctx, "i1"))
	require.NoError(t, c.Expo(ctx, "i1"))
	require.NoError(t, c.Serve(ctx, "i1"))
	require.NoError(t, c.Cancel(ctx, "i1", "86"))
	require.NoError(t, c.Bump(ctx, "t1"))

	assert.Equal(t, []string{
		"i1=COOKING/",
		"i1=HOLD/waiting on table",
		"i1=PENDING/",
		"i1=DONE/",
		"i1=EXPO/",
		"i1=SERVED/",
		"i1=CANCELED/86",
		"bump:t1",
	}, backend.commands)

	got := c.Tickets()
	require.Len(t, got, 1)
	assert.Equal(t, models.ItemPending, got[0].Items[0].Status)
}

func TestConnectSubscribesBeforeSnapshot(t *testing.T) {
	backend := &fakeBackend{
		feed: make(chan models.FeedMessage, 4),
		snapshot: []models.Ticket{
			ticket("t1", "grill", models.TicketOpen, 2, 0, item("i1", models.ItemPending, 1)),
		},
	}
	// queued while the snapshot was loading; already reflected in it
	backend.feed <- ticketMsg(models.FeedNewTicket, ticket("t1", "grill", models.TicketOpen, 1, 0))
	backend.feed <- ticketMsg(models.FeedNewTicket, ticket("t2", "grill", models.TicketOpen, 1, time.Minute))
	close(backend.feed)

	c := NewController(backend, Options{EstablishmentID: "est-1", StationID: "grill"})
	assert.True(t, c.Stale())
	assert.True(t, c.LastSync().IsZero())

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrFeedClosed)
	assert.Equal(t, []string{"feed:grill", "snapshot:grill"}, backend.calls)
	assert.True(t, c.Stale())
	assert.False(t, c.LastSync().IsZero())

	got := c.Tickets()
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Version)
	assert.Len(t, got[0].Items, 1)
	assert.Equal(t, "t2", got[1].ID)
}
