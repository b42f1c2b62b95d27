package builder

import (
	"context"
	"sort"
	"strings"
	"time"

	"kds-service/internal/models"
	"kds-service/internal/service"
	"kds-service/internal/util"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

type routedItem struct {
	data        models.OrderItemData
	sourceID    string
	stationCode string
	prep        int
}

// partition is the set of items that share one ticket
type partition struct {
	stationID string
	course    int
	items     []routedItem
}

type ticketHeader struct {
	base       models.BaseEvent
	tableLabel string
	priority   int
}

// partition routes every valid item and groups them by (station, course), in first-seen order.
// sources holds the source order item id of each item.
func (b *Builder) partition(ctx context.Context, establishmentID, orderID string, course int, items []models.OrderItemData, sources []string) []*partition {
	var parts []*partition
	index := make(map[string]*partition)

	for i, it := range items {
		if err := it.Validate(); err != nil {
			util.ItemsSkippedTotal.WithLabelValues("invalid").Inc()
			b.logger.Warn("Skipping invalid order item",
				zap.String("order_id", orderID), zap.Int("index", i), zap.Error(err))
			continue
		}

		routes, err := b.router.Resolve(ctx, establishmentID, it)
		if err != nil {
			util.ItemsSkippedTotal.WithLabelValues("unroutable").Inc()
			b.logger.Warn("Skipping unroutable order item",
				zap.String("order_id", orderID),
				zap.String("menu_item_id", it.MenuItemID),
				zap.Error(err))
			continue
		}

		src := sources[i]
		for _, r := range routes {
			if !r.Kitchen() {
				util.ItemsSkippedTotal.WithLabelValues("non_kitchen").Inc()
				continue
			}
			key := r.Station.ID
			p, ok := index[key]
			if !ok {
				p = &partition{stationID: r.Station.ID, course: course}
				index[key] = p
				parts = append(parts, p)
			}
			p.items = append(p.items, routedItem{data: it, sourceID: src, stationCode: r.Station.Code, prep: r.EstimatedPrepSeconds})
		}
	}
	return parts
}

func newItem(ticketID string, ri routedItem, now time.Time) models.TicketItem {
	return models.TicketItem{
		ID:                   uuid.New().String(),
		TicketID:             ticketID,
		SourceOrderItemID:    ri.sourceID,
		MenuItemID:           ri.data.MenuItemID,
		Name:                 strings.TrimSpace(ri.data.Name),
		Quantity:             ri.data.Quantity,
		Options:              pq.StringArray(ri.data.Options),
		Status:               models.ItemPending,
		CookStation:          ri.stationCode,
		EstimatedPrepSeconds: ri.prep,
		Notes:                ri.data.Notes,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// newTicket appends a fresh OPEN ticket with PENDING items to m
func (b *Builder) newTicket(ctx context.Context, h ticketHeader, p *partition, m *models.Mutation) {
	now := b.tickets.Now()
	actor := orderSystem(h.base)

	t := &models.Ticket{
		ID:              uuid.New().String(),
		EstablishmentID: h.base.EstablishmentID,
		CheckID:         h.base.CheckID,
		OrderID:         h.base.OrderID,
		TableLabel:      h.tableLabel,
		StationID:       p.stationID,
		CourseNumber:    p.course,
		Status:          models.TicketOpen,
		Priority:        h.priority,
		SourceSystem:    h.base.SourceSystem,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	seen := make(map[string]bool, len(p.items))
	for _, ri := range p.items {
		if seen[ri.sourceID] {
			continue
		}
		seen[ri.sourceID] = true
		t.Items = append(t.Items, newItem(t.ID, ri, now))
	}

	row := *t
	row.Items = nil
	m.InsertTickets = append(m.InsertTickets, row)
	m.InsertItems = append(m.InsertItems, t.Items...)

	m.Events = append(m.Events, service.NewEvent(t.EstablishmentID, t.ID, "", models.EventTicketCreated,
		map[string]interface{}{"order_id": t.OrderID, "check_id": t.CheckID, "station_id": t.StationID, "course": t.CourseNumber},
		actor, now))
	for _, it := range t.Items {
		m.Events = append(m.Events, service.NewEvent(t.EstablishmentID, t.ID, it.ID, models.EventItemCreated,
			map[string]interface{}{"name": it.Name, "quantity": it.Quantity, "source_order_item_id": it.SourceOrderItemID},
			actor, now))
	}

	m.PrintJobs = append(m.PrintJobs, b.tickets.Planner().NewOrder(ctx, t, now)...)
	m.Feed = append(m.Feed, models.NewTicketMessage(models.FeedNewTicket, t, "", now))

	util.TicketsCreatedTotal.Inc()
	b.logger.Info("Ticket created",
		zap.String("ticket_id", t.ID),
		zap.String("check_id", t.CheckID),
		zap.String("station_id", t.StationID),
		zap.Int("items", len(t.Items)))
}

type modificationDiff struct {
	Added        []string `json:"added"`
	Changed      []string `json:"changed"`
	Modification string   `json:"modification,omitempty"`
}

// upsertItems adds new lines to an existing ticket and, when allowUpdate is set,
// resets changed non-terminal lines to PENDING. Nothing is appended when nothing changed.
func (b *Builder) upsertItems(ctx context.Context, t *models.Ticket, items []routedItem, allowUpdate bool, modification string, m *models.Mutation) {
	now := b.tickets.Now()
	actor := service.Actor{Type: models.ActorOrderSystem}

	tm := &models.Mutation{}
	diff := modificationDiff{Added: []string{}, Changed: []string{}, Modification: modification}
	var printed []models.TicketItem

	for _, ri := range items {
		existing := t.ItemBySource(ri.sourceID)
		if existing == nil {
			it := newItem(t.ID, ri, now)
			t.Items = append(t.Items, it)
			tm.InsertItems = append(tm.InsertItems, it)
			tm.Events = append(tm.Events, service.NewEvent(t.EstablishmentID, t.ID, it.ID, models.EventItemCreated,
				map[string]interface{}{"name": it.Name, "quantity": it.Quantity, "source_order_item_id": it.SourceOrderItemID},
				actor, now))
			diff.Added = append(diff.Added, it.Name)
			printed = append(printed, it)
			continue
		}

		if !allowUpdate || existing.Status.Terminal() || !itemChanged(*existing, ri.data) {
			continue
		}

		from := existing.Status
		existing.Quantity = ri.data.Quantity
		existing.Notes = ri.data.Notes
		existing.Options = pq.StringArray(ri.data.Options)
		existing.Status = models.ItemPending
		existing.DoneAt = nil
		existing.ExpoAt = nil
		existing.Version++
		existing.UpdatedAt = now

		tm.UpdateItems = append(tm.UpdateItems, *existing)
		tm.Events = append(tm.Events, service.NewEvent(t.EstablishmentID, t.ID, existing.ID, models.EventItemModified,
			map[string]interface{}{"from": from, "quantity": existing.Quantity, "notes": existing.Notes, "options": existing.Options},
			actor, now))
		tm.Feed = append(tm.Feed, models.NewItemMessage(t, *existing, from, now))
		diff.Changed = append(diff.Changed, existing.Name)
		printed = append(printed, *existing)
	}

	if len(printed) == 0 {
		return
	}

	tm.Events = append(tm.Events, service.NewEvent(t.EstablishmentID, t.ID, "", models.EventModification, diff, actor, now))

	feedBefore := len(tm.Feed)
	b.tickets.Settle(ctx, t, nil, modification, actor, now, tm)
	if len(tm.Feed) == feedBefore {
		tm.Feed = append(tm.Feed, models.NewTicketMessage(models.FeedTicketModified, t, "", now))
	}
	tm.PrintJobs = append(tm.PrintJobs, b.tickets.Planner().AddOn(ctx, t, printed, now)...)

	m.Merge(tm)
}

func itemChanged(it models.TicketItem, d models.OrderItemData) bool {
	if it.Quantity != d.Quantity || it.Notes != d.Notes {
		return true
	}
	return !sameOptions(it.Options, d.Options)
}

func sameOptions(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
