package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kds-service/internal/models"
	"kds-service/internal/printqueue"
	"kds-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	lockTTL         = 10 * time.Second
	conflictRetries = 3
)

// Repository is the persistent ticket state
type Repository interface {
	Commit(ctx context.Context, m *models.Mutation) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	GetTicketByItem(ctx context.Context, itemID string) (*models.Ticket, error)
	ListTickets(ctx context.Context, f models.TicketFilter) ([]models.Ticket, error)
	AppendEvents(ctx context.Context, events ...models.Event) error
	ListEvents(ctx context.Context, establishmentID string, afterID int64, limit int) ([]models.Event, error)
}

// Publisher delivers committed changes to live subscribers
type Publisher interface {
	Publish(ctx context.Context, msgs ...models.FeedMessage)
}

// Options tunes ticket state behavior
type Options struct {
	// CanceledItemVisibility is how long canceled items stay on snapshots
	CanceledItemVisibility time.Duration
	// AutoBumpServed bumps a ticket once every live item is served
	AutoBumpServed bool
}

// TicketService owns ticket and item status changes
type TicketService struct {
	repo      Repository
	locker    Locker
	publisher Publisher
	planner   *printqueue.Planner
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewTicketService creates a new ticket service
func NewTicketService(repo Repository, locker Locker, publisher Publisher, planner *printqueue.Planner, opts Options) *TicketService {
	return &TicketService{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		planner:   planner,
		opts:      opts,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// SetItemStatusCommand asks for one item status change
type SetItemStatusCommand struct {
	ItemID          string            `json:"-"`
	Status          models.ItemStatus `json:"status" binding:"required"`
	Reason          string            `json:"reason,omitempty"`
	ExpectedVersion int64             `json:"expected_version,omitempty"`
	ActorID         string            `json:"actor_id,omitempty"`
}

// BumpTicketCommand clears a ticket from the station screen
type BumpTicketCommand struct {
	TicketID string `json:"-"`
	ActorID  string `json:"actor_id,omitempty"`
}

// Now returns the service clock
func (s *TicketService) Now() time.Time {
	return s.now()
}

// AutoBumpServed reports whether served tickets bump themselves
func (s *TicketService) AutoBumpServed() bool {
	return s.opts.AutoBumpServed
}

// Planner returns the print planner used for ticket changes
func (s *TicketService) Planner() *printqueue.Planner {
	return s.planner
}

// SetItemStatus validates and applies an item transition.
// A concurrent change to the same item yields ErrConflict.
func (s *TicketService) SetItemStatus(ctx context.Context, cmd SetItemStatusCommand) (*models.TicketItem, error) {
	ctx, span := util.StartSpan(ctx, "TicketService.SetItemStatus",
		attribute.String("item_id", cmd.ItemID), attribute.String("status", string(cmd.Status)))
	defer span.End()

	start := time.Now()
	defer func() {
		util.TransitionLatency.Observe(time.Since(start).Seconds())
	}()

	if cmd.ItemID == "" {
		return nil, fmt.Errorf("%w: item id is required", models.ErrValidation)
	}
	if _, err := models.ParseItemStatus(string(cmd.Status)); err != nil {
		return nil, err
	}

	unlock, ok, err := s.locker.TryLock(ctx, "kds:item:"+cmd.ItemID, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock item: %w", err)
	}
	if !ok {
		util.TransitionRejectionsTotal.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("item %s is being updated: %w", cmd.ItemID, models.ErrConflict)
	}
	defer unlock()

	actor := Actor{Type: models.ActorStaff, ID: cmd.ActorID}

	var loadedVersion int64
	for attempt := 0; attempt < conflictRetries; attempt++ {
		t, err := s.repo.GetTicketByItem(ctx, cmd.ItemID)
		if err != nil {
			return nil, err
		}
		item := t.Item(cmd.ItemID)
		if item == nil {
			return nil, fmt.Errorf("item %s: %w", cmd.ItemID, models.ErrNotFound)
		}
		if attempt > 0 && item.Version != loadedVersion {
			util.TransitionRejectionsTotal.WithLabelValues("conflict").Inc()
			return nil, fmt.Errorf("item %s changed concurrently: %w", cmd.ItemID, models.ErrConflict)
		}
		loadedVersion = item.Version

		if cmd.ExpectedVersion > 0 && item.Version != cmd.ExpectedVersion {
			util.TransitionRejectionsTotal.WithLabelValues("stale_version").Inc()
			return nil, fmt.Errorf("item %s is at version %d, expected %d: %w",
				cmd.ItemID, item.Version, cmd.ExpectedVersion, models.ErrConflict)
		}

		m, err := s.TransitionItem(ctx, t, cmd.ItemID, cmd.Status, cmd.Reason, actor)
		if err != nil {
			util.TransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
			return nil, err
		}

		err = s.Commit(ctx, m)
		if errors.Is(err, models.ErrConflict) {
			// a sibling item or a bump moved the ticket; reload and re-derive
			s.logger.Debug("Ticket changed underneath item transition, retrying",
				zap.String("item_id", cmd.ItemID), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}

		util.ItemTransitionsTotal.WithLabelValues(string(cmd.Status)).Inc()
		updated := t.Item(cmd.ItemID).Clone()
		return &updated, nil
	}

	util.TransitionRejectionsTotal.WithLabelValues("conflict").Inc()
	return nil, fmt.Errorf("item %s: %w", cmd.ItemID, models.ErrConflict)
}

// TransitionItem applies an item status change to t in memory and returns the mutation
// that persists it, including the re-derived ticket status.
func (s *TicketService) TransitionItem(ctx context.Context, t *models.Ticket, itemID string, to models.ItemStatus, reason string, actor Actor) (*models.Mutation, error) {
	item := t.Item(itemID)
	if item == nil {
		return nil, fmt.Errorf("item %s: %w", itemID, models.ErrNotFound)
	}
	if t.Status == models.TicketBumped {
		return nil, &models.TransitionError{EntityID: t.ID, From: string(t.Status), To: string(to)}
	}
	if !item.Status.CanTransition(to) {
		return nil, &models.TransitionError{EntityID: itemID, From: string(item.Status), To: string(to)}
	}

	now := s.now()
	from := item.Status
	applyItemStatus(item, to, now)

	m := &models.Mutation{}
	m.Events = append(m.Events, NewEvent(t.EstablishmentID, t.ID, item.ID, models.EventItemStatusChanged,
		StatusChange{From: string(from), To: string(to), Reason: reason}, actor, now))
	m.Feed = append(m.Feed, models.NewItemMessage(t, *item, from, now))

	var canceled []models.TicketItem
	if to == models.ItemCanceled {
		canceled = append(canceled, *item)
	}
	s.Settle(ctx, t, canceled, reason, actor, now, m)

	m.UpdateItems = append(m.UpdateItems, *item)
	return m, nil
}

// CancelItems cancels the given items of t in memory and returns the mutation, or nil when
// none of them can be canceled. Items outside the state graph's cancel edges are left alone.
func (s *TicketService) CancelItems(ctx context.Context, t *models.Ticket, itemIDs []string, reason string, actor Actor) *models.Mutation {
	if t.Status == models.TicketBumped {
		return nil
	}

	now := s.now()
	m := &models.Mutation{}
	var canceled []models.TicketItem
	for _, id := range itemIDs {
		item := t.Item(id)
		if item == nil {
			continue
		}
		if !item.Status.CanTransition(models.ItemCanceled) {
			if item.Status != models.ItemCanceled {
				util.ItemsSkippedTotal.WithLabelValues("not_cancelable").Inc()
				s.logger.Info("Item cannot be canceled from its status",
					zap.String("item_id", id), zap.String("status", string(item.Status)))
			}
			continue
		}

		from := item.Status
		applyItemStatus(item, models.ItemCanceled, now)
		m.UpdateItems = append(m.UpdateItems, *item)
		m.Events = append(m.Events, NewEvent(t.EstablishmentID, t.ID, item.ID, models.EventItemStatusChanged,
			StatusChange{From: string(from), To: string(models.ItemCanceled), Reason: reason}, actor, now))
		m.Feed = append(m.Feed, models.NewItemMessage(t, *item, from, now))
		canceled = append(canceled, *item)
	}
	if len(canceled) == 0 {
		return nil
	}

	s.Settle(ctx, t, canceled, reason, actor, now, m)
	return m
}

// Settle re-derives the ticket status after its items changed and appends the ticket
// update to m. The ticket version always advances so concurrent item changes serialize.
// canceled lists items canceled by this change, for the void chit.
func (s *TicketService) Settle(ctx context.Context, t *models.Ticket, canceled []models.TicketItem, reason string, actor Actor, now time.Time, m *models.Mutation) {
	old := t.Status
	next := DeriveTicketStatus(t, s.opts.AutoBumpServed)

	t.Version++
	t.UpdatedAt = now

	if len(canceled) > 0 {
		m.PrintJobs = append(m.PrintJobs, s.planner.Void(ctx, t, canceled, reason, now)...)
	}

	if next != old {
		applyTicketStatus(t, next, now)
		m.Events = append(m.Events, NewEvent(t.EstablishmentID, t.ID, "", models.EventTicketStatusChanged,
			StatusChange{From: string(old), To: string(next), Reason: reason}, actor, now))

		switch {
		case next == models.TicketBumped && len(t.NonCanceledItems()) == 0:
			util.TicketsBumpedTotal.WithLabelValues("canceled").Inc()
			m.Feed = append(m.Feed, models.NewTicketMessage(models.FeedTicketCanceled, t, old, now))
		case next == models.TicketBumped:
			util.TicketsBumpedTotal.WithLabelValues("served").Inc()
			m.Feed = append(m.Feed, models.NewTicketMessage(models.FeedTicketBumped, t, old, now))
		default:
			m.Feed = append(m.Feed, models.NewTicketMessage(models.FeedTicketModified, t, old, now))
		}

		if next == models.TicketReady {
			m.PrintJobs = append(m.PrintJobs, s.planner.ReadySlip(ctx, t, now)...)
		}
	}

	m.UpdateTickets = append(m.UpdateTickets, *stripItems(t))
}

// BumpTicket clears a ticket regardless of item state
func (s *TicketService) BumpTicket(ctx context.Context, cmd BumpTicketCommand) (*models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "TicketService.BumpTicket", attribute.String("ticket_id", cmd.TicketID))
	defer span.End()

	if cmd.TicketID == "" {
		return nil, fmt.Errorf("%w: ticket id is required", models.ErrValidation)
	}

	unlock, ok, err := s.locker.TryLock(ctx, "kds:ticket:"+cmd.TicketID, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock ticket: %w", err)
	}
	if !ok {
		util.TransitionRejectionsTotal.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("ticket %s is being updated: %w", cmd.TicketID, models.ErrConflict)
	}
	defer unlock()

	t, err := s.repo.GetTicket(ctx, cmd.TicketID)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TicketBumped {
		util.TransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return nil, &models.TransitionError{EntityID: t.ID, From: string(t.Status), To: string(models.TicketBumped)}
	}

	now := s.now()
	old := t.Status
	applyTicketStatus(t, models.TicketBumped, now)
	t.Version++
	t.UpdatedAt = now

	actor := Actor{Type: models.ActorStaff, ID: cmd.ActorID}
	m := &models.Mutation{
		UpdateTickets: []models.Ticket{*stripItems(t)},
		Events: []models.Event{NewEvent(t.EstablishmentID, t.ID, "", models.EventTicketStatusChanged,
			StatusChange{From: string(old), To: string(models.TicketBumped), Reason: "bump"}, actor, now)},
		Feed: []models.FeedMessage{models.NewTicketMessage(models.FeedTicketBumped, t, old, now)},
	}
	if err := s.Commit(ctx, m); err != nil {
		return nil, err
	}

	util.TicketsBumpedTotal.WithLabelValues("manual").Inc()
	s.logger.Info("Ticket bumped",
		zap.String("ticket_id", t.ID),
		zap.String("from", string(old)))
	return t, nil
}

// Reprint queues another copy of a ticket's chit
func (s *TicketService) Reprint(ctx context.Context, ticketID, actorID string) ([]models.PrintJob, error) {
	ctx, span := util.StartSpan(ctx, "TicketService.Reprint", attribute.String("ticket_id", ticketID))
	defer span.End()

	t, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	jobs := s.planner.Reprint(ctx, t, now.UnixNano(), now)
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no printer for station %s: %w", t.StationID, models.ErrNotFound)
	}

	m := &models.Mutation{
		Events: []models.Event{NewEvent(t.EstablishmentID, t.ID, "", models.EventReprintRequested,
			map[string]string{"job_id": jobs[0].ID}, Actor{Type: models.ActorStaff, ID: actorID}, now)},
		PrintJobs: jobs,
	}
	if err := s.repo.Commit(ctx, m); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Commit persists m atomically and then publishes its feed messages.
// Callers hold the entity lock so publication order follows commit order.
func (s *TicketService) Commit(ctx context.Context, m *models.Mutation) error {
	if m.Empty() {
		return nil
	}
	if err := s.repo.Commit(ctx, m); err != nil {
		return err
	}
	if s.publisher != nil && len(m.Feed) > 0 {
		s.publisher.Publish(ctx, m.Feed...)
	}
	return nil
}

// GetTicket returns a ticket with its items
func (s *TicketService) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "TicketService.GetTicket")
	defer span.End()

	return s.repo.GetTicket(ctx, id)
}

// ListActiveTickets returns the active tickets of an establishment, optionally for one station.
// Canceled items stay visible for the configured window, then drop off.
func (s *TicketService) ListActiveTickets(ctx context.Context, establishmentID, stationID string, statuses []models.TicketStatus) ([]models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "TicketService.ListActiveTickets")
	defer span.End()

	if establishmentID == "" {
		return nil, fmt.Errorf("%w: establishment id is required", models.ErrValidation)
	}

	tickets, err := s.repo.ListTickets(ctx, models.TicketFilter{
		EstablishmentID: establishmentID,
		StationID:       stationID,
		Statuses:        statuses,
	})
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.opts.CanceledItemVisibility)
	for i := range tickets {
		tickets[i].Items = visibleItems(tickets[i].Items, cutoff)
	}
	return tickets, nil
}

func visibleItems(items []models.TicketItem, cutoff time.Time) []models.TicketItem {
	out := items[:0]
	for _, it := range items {
		if it.Status == models.ItemCanceled && it.CanceledAt != nil && it.CanceledAt.Before(cutoff) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// ListEvents pages through the audit log of an establishment
func (s *TicketService) ListEvents(ctx context.Context, establishmentID string, afterID int64, limit int) ([]models.Event, error) {
	if establishmentID == "" {
		return nil, fmt.Errorf("%w: establishment id is required", models.ErrValidation)
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListEvents(ctx, establishmentID, afterID, limit)
}

func stripItems(t *models.Ticket) *models.Ticket {
	c := *t
	c.Items = nil
	return &c
}
