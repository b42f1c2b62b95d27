package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kds-service/internal/models"
	"kds-service/internal/routing"
	"kds-service/internal/service"
	"kds-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	lockTTL         = 10 * time.Second
	lockWait        = 50 * time.Millisecond
	lockAttempts    = 40
	conflictRetries = 3
	defaultCourse   = 1
)

// Router resolves the stations an order item goes to
type Router interface {
	Resolve(ctx context.Context, establishmentID string, item models.OrderItemData) ([]routing.Route, error)
}

// Builder turns inbound order events into tickets and ticket items
type Builder struct {
	tickets *service.TicketService
	repo    service.Repository
	router  Router
	locker  service.Locker
	logger  *zap.Logger
}

// NewBuilder creates a ticket builder
func NewBuilder(tickets *service.TicketService, repo service.Repository, router Router, locker service.Locker) *Builder {
	return &Builder{
		tickets: tickets,
		repo:    repo,
		router:  router,
		locker:  locker,
		logger:  util.GetLogger(),
	}
}

// Handle applies one inbound order event.
// Event-level problems return ErrValidation; item-level problems only skip the item.
func (b *Builder) Handle(ctx context.Context, evt models.OrderEvent) error {
	ctx, span := util.StartSpan(ctx, "Builder.Handle",
		attribute.String("event_id", evt.Base().EventID), attribute.String("event_type", evt.Base().EventType))
	defer span.End()

	if err := models.ValidateOrderEvent(evt); err != nil {
		util.InboundEventsTotal.WithLabelValues(evt.Base().EventType, "invalid").Inc()
		return err
	}

	var err error
	switch e := evt.(type) {
	case models.OrderCreated:
		err = b.handleCreated(ctx, e)
	case models.OrderModified:
		err = b.handleModified(ctx, e)
	case models.OrderCanceled:
		err = b.handleCanceled(ctx, e)
	case models.PaymentCompleted:
		err = b.handlePayment(ctx, e)
	default:
		err = fmt.Errorf("%w: unsupported event %T", models.ErrValidation, evt)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, models.ErrValidation) {
			outcome = "invalid"
		}
	}
	util.InboundEventsTotal.WithLabelValues(evt.Base().EventType, outcome).Inc()
	return err
}

func (b *Builder) handleCreated(ctx context.Context, e models.OrderCreated) error {
	course := courseOrDefault(e.CourseNumber)
	header := ticketHeader{
		base:       e.BaseEvent,
		tableLabel: e.TableLabel,
		priority:   e.Priority,
	}

	return b.withCheckLock(ctx, e.CheckID, func() error {
		existing, err := b.repo.ListTickets(ctx, models.TicketFilter{
			EstablishmentID: e.EstablishmentID,
			CheckID:         e.CheckID,
			IncludeBumped:   true,
		})
		if err != nil {
			return err
		}

		sources := assignSourceIDs(e.OrderID, e.Items, existing, nil)
		parts := b.partition(ctx, e.EstablishmentID, e.OrderID, course, e.Items, sources)
		if len(parts) == 0 {
			return b.recordNoOp(ctx, e.BaseEvent, e.EstablishmentID, "no kitchen items")
		}

		m := &models.Mutation{}
		for _, p := range parts {
			t := findTicket(existing, p.stationID, p.course)
			// redelivered or split create; only genuinely new lines are added
			if p.items = unticketed(existing, t, p, false); len(p.items) == 0 {
				continue
			}
			if t != nil {
				b.upsertItems(ctx, t, p.items, false, "", m)
				continue
			}
			b.newTicket(ctx, header, p, m)
		}

		if m.Empty() {
			return b.recordNoOp(ctx, e.BaseEvent, e.EstablishmentID, "already ticketed")
		}
		return b.tickets.Commit(ctx, m)
	})
}

func (b *Builder) handleModified(ctx context.Context, e models.OrderModified) error {
	return b.withCheckLock(ctx, e.CheckID, func() error {
		existing, err := b.repo.ListTickets(ctx, models.TicketFilter{CheckID: e.CheckID, IncludeBumped: true})
		if err != nil {
			return err
		}

		establishmentID := resolveEstablishment(e.EstablishmentID, existing)
		if establishmentID == "" {
			return fmt.Errorf("%w: establishment_id unknown for check %s", models.ErrValidation, e.CheckID)
		}

		course := courseOrDefault(e.CourseNumber)
		sources := assignSourceIDs(e.OrderID, e.Items, existing, nil)
		parts := b.partition(ctx, establishmentID, e.OrderID, course, e.Items, sources)
		if len(parts) == 0 {
			return b.recordNoOp(ctx, e.BaseEvent, establishmentID, "no kitchen items")
		}

		header := ticketHeader{base: e.BaseEvent}
		header.base.EstablishmentID = establishmentID
		if len(existing) > 0 {
			header.tableLabel = existing[0].TableLabel
			header.priority = existing[0].Priority
		}

		m := &models.Mutation{}
		for _, p := range parts {
			t := findTicket(existing, p.stationID, p.course)
			// lines finished on a bumped ticket are not fired again
			if p.items = unticketed(existing, t, p, true); len(p.items) == 0 {
				continue
			}
			if t != nil {
				b.upsertItems(ctx, t, p.items, true, e.Modification, m)
				continue
			}
			b.newTicket(ctx, header, p, m)
		}

		if m.Empty() {
			return b.recordNoOp(ctx, e.BaseEvent, establishmentID, "no changes")
		}
		return b.tickets.Commit(ctx, m)
	})
}

func (b *Builder) handleCanceled(ctx context.Context, e models.OrderCanceled) error {
	lockKey := e.CheckID
	if lockKey == "" {
		lockKey = e.OrderID
	}

	return b.withCheckLock(ctx, lockKey, func() error {
		filter := models.TicketFilter{EstablishmentID: e.EstablishmentID, CheckID: e.CheckID}
		if e.CheckID == "" {
			filter.OrderID = e.OrderID
		}
		tickets, err := b.repo.ListTickets(ctx, filter)
		if err != nil {
			return err
		}

		wanted := make(map[string]bool, len(e.Items))
		for _, src := range assignSourceIDs(e.OrderID, e.Items, tickets, cancelable) {
			wanted[src] = true
		}

		actor := orderSystem(e.BaseEvent)
		m := &models.Mutation{}
		for i := range tickets {
			t := &tickets[i]
			var ids []string
			for _, it := range t.Items {
				switch {
				case len(e.Items) > 0 && wanted[it.SourceOrderItemID]:
					ids = append(ids, it.ID)
				case len(e.Items) == 0 && (e.OrderID == "" || t.OrderID == e.OrderID):
					ids = append(ids, it.ID)
				}
			}
			if len(ids) == 0 {
				continue
			}
			if tm := b.tickets.CancelItems(ctx, t, ids, e.Reason, actor); tm != nil {
				m.Merge(tm)
			}
		}

		if m.Empty() {
			establishmentID := resolveEstablishment(e.EstablishmentID, tickets)
			if establishmentID == "" {
				b.logger.Info("Cancellation matched no tickets",
					zap.String("order_id", e.OrderID), zap.String("check_id", e.CheckID))
				return nil
			}
			return b.recordNoOp(ctx, e.BaseEvent, establishmentID, "nothing to cancel")
		}
		return b.tickets.Commit(ctx, m)
	})
}

func (b *Builder) handlePayment(ctx context.Context, e models.PaymentCompleted) error {
	establishmentID := e.EstablishmentID
	if establishmentID == "" {
		tickets, err := b.repo.ListTickets(ctx, models.TicketFilter{
			CheckID:       e.CheckID,
			OrderID:       e.OrderID,
			IncludeBumped: true,
		})
		if err != nil {
			return err
		}
		establishmentID = resolveEstablishment("", tickets)
	}
	if establishmentID == "" {
		return fmt.Errorf("%w: establishment unknown for payment on check %s", models.ErrValidation, e.CheckID)
	}

	evt := service.NewEvent(establishmentID, "", "", models.EventPaymentCompleted,
		map[string]string{"order_id": e.OrderID, "check_id": e.CheckID, "event_id": e.EventID},
		orderSystem(e.BaseEvent), b.tickets.Now())
	return b.repo.AppendEvents(ctx, evt)
}

func (b *Builder) recordNoOp(ctx context.Context, base models.BaseEvent, establishmentID, reason string) error {
	b.logger.Info("Order event produced no ticket changes",
		zap.String("event_id", base.EventID),
		zap.String("event_type", base.EventType),
		zap.String("reason", reason))

	evt := service.NewEvent(establishmentID, "", "", models.EventNoOp,
		map[string]string{"event_id": base.EventID, "event_type": base.EventType, "order_id": base.OrderID, "reason": reason},
		orderSystem(base), b.tickets.Now())
	return b.repo.AppendEvents(ctx, evt)
}

// withCheckLock serializes work on one check and retries the body when a
// concurrent staff command wins the version race.
func (b *Builder) withCheckLock(ctx context.Context, key string, fn func() error) error {
	var unlock func()
	for i := 0; ; i++ {
		release, ok, err := b.locker.TryLock(ctx, "kds:check:"+key, lockTTL)
		if err != nil {
			return fmt.Errorf("failed to lock check: %w", err)
		}
		if ok {
			unlock = release
			break
		}
		if i >= lockAttempts {
			return fmt.Errorf("check %s is busy: %w", key, models.ErrConflict)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockWait):
		}
	}
	defer unlock()

	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = fn()
		if !errors.Is(err, models.ErrConflict) {
			return err
		}
		b.logger.Debug("Ticket changed while applying order event, retrying",
			zap.String("check", key), zap.Int("attempt", attempt+1))
	}
	return err
}

func findTicket(tickets []models.Ticket, stationID string, course int) *models.Ticket {
	for i := range tickets {
		t := &tickets[i]
		if t.StationID == stationID && t.CourseNumber == course && t.Status.Active() {
			return t
		}
	}
	return nil
}

func cancelable(it models.TicketItem) bool {
	return it.Status.CanTransition(models.ItemCanceled)
}

func resolveEstablishment(fromEvent string, tickets []models.Ticket) string {
	if fromEvent != "" {
		return fromEvent
	}
	for _, t := range tickets {
		if t.EstablishmentID != "" {
			return t.EstablishmentID
		}
	}
	return ""
}

func courseOrDefault(course int) int {
	if course <= 0 {
		return defaultCourse
	}
	return course
}

func orderSystem(base models.BaseEvent) service.Actor {
	id := base.SourceSystem
	if id == "" {
		id = base.EventID
	}
	return service.Actor{Type: models.ActorOrderSystem, ID: id}
}
