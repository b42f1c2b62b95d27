// Package servicetest provides in-memory doubles for the ticket service's
// collaborators. The repository enforces the same version rules as the
// Postgres store.
package servicetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"kds-service/internal/models"
)

// Repo is an in-memory ticket repository
type Repo struct {
	mu        sync.Mutex
	tickets   map[string]models.Ticket
	items     map[string]models.TicketItem
	itemOrder []string
	events    []models.Event
	jobs      []models.PrintJob
	failNext  error
	commits   int
}

// NewRepo creates an empty repository
func NewRepo() *Repo {
	return &Repo{
		tickets: make(map[string]models.Ticket),
		items:   make(map[string]models.TicketItem),
	}
}

// Seed stores a ticket and its items as-is
func (r *Repo) Seed(t models.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range t.Items {
		it.TicketID = t.ID
		r.items[it.ID] = it
		r.itemOrder = append(r.itemOrder, it.ID)
	}
	t.Items = nil
	r.tickets[t.ID] = t
}

// FailNextCommit makes the next Commit return err without writing
func (r *Repo) FailNextCommit(err error) {
	r.mu.Lock()
	r.failNext = err
	r.mu.Unlock()
}

func (r *Repo) Commit(ctx context.Context, m *models.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	for _, t := range m.UpdateTickets {
		if cur, ok := r.tickets[t.ID]; !ok || cur.Version != t.Version-1 {
			return fmt.Errorf("ticket %s: %w", t.ID, models.ErrConflict)
		}
	}
	for _, it := range m.UpdateItems {
		if cur, ok := r.items[it.ID]; !ok || cur.Version != it.Version-1 {
			return fmt.Errorf("ticket item %s: %w", it.ID, models.ErrConflict)
		}
	}

	for _, t := range m.InsertTickets {
		t.Items = nil
		r.tickets[t.ID] = t
	}
	for _, t := range m.UpdateTickets {
		t.Items = nil
		r.tickets[t.ID] = t
	}
	for _, it := range m.InsertItems {
		r.items[it.ID] = it.Clone()
		r.itemOrder = append(r.itemOrder, it.ID)
	}
	for _, it := range m.UpdateItems {
		r.items[it.ID] = it.Clone()
	}
	r.appendEvents(m.Events...)
	r.jobs = append(r.jobs, m.PrintJobs...)
	r.commits++
	return nil
}

func (r *Repo) appendEvents(events ...models.Event) {
	for _, e := range events {
		e.ID = int64(len(r.events) + 1)
		r.events = append(r.events, e)
	}
}

func (r *Repo) load(id string) (*models.Ticket, bool) {
	t, ok := r.tickets[id]
	if !ok {
		return nil, false
	}
	for _, itemID := range r.itemOrder {
		if it := r.items[itemID]; it.TicketID == id {
			t.Items = append(t.Items, it.Clone())
		}
	}
	return &t, true
}

func (r *Repo) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.load(id)
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, models.ErrNotFound)
	}
	return t, nil
}

func (r *Repo) GetTicketByItem(ctx context.Context, itemID string) (*models.Ticket, error) {
	r.mu.Lock()
	it, ok := r.items[itemID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ticket item %s: %w", itemID, models.ErrNotFound)
	}
	return r.GetTicket(ctx, it.TicketID)
}

func (r *Repo) ListTickets(ctx context.Context, f models.TicketFilter) ([]models.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	allowed := make(map[models.TicketStatus]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		allowed[st] = true
	}

	var out []models.Ticket
	for id := range r.tickets {
		t, _ := r.load(id)
		switch {
		case f.EstablishmentID != "" && t.EstablishmentID != f.EstablishmentID,
			f.StationID != "" && t.StationID != f.StationID,
			f.CheckID != "" && t.CheckID != f.CheckID,
			f.OrderID != "" && t.OrderID != f.OrderID,
			len(allowed) > 0 && !allowed[t.Status],
			!f.IncludeBumped && t.Status == models.TicketBumped:
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repo) AppendEvents(ctx context.Context, events ...models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendEvents(events...)
	return nil
}

func (r *Repo) ListEvents(ctx context.Context, establishmentID string, afterID int64, limit int) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.EstablishmentID == establishmentID && e.ID > afterID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

// Commits counts successful commits
func (r *Repo) Commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits
}

// Events returns every appended event in order
func (r *Repo) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// EventTypes returns the type of every appended event in order
func (r *Repo) EventTypes() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, e.EventType)
	}
	return out
}

// Jobs returns every committed print job in order
func (r *Repo) Jobs() []models.PrintJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PrintJob(nil), r.jobs...)
}

// JobTypes returns the type of every committed print job in order
func (r *Repo) JobTypes() []string {
	var out []string
	for _, j := range r.Jobs() {
		out = append(out, j.JobType)
	}
	return out
}

// Publisher records published feed messages
type Publisher struct {
	mu   sync.Mutex
	msgs []models.FeedMessage
}

func (p *Publisher) Publish(ctx context.Context, msgs ...models.FeedMessage) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msgs...)
	p.mu.Unlock()
}

// Messages returns everything published so far
func (p *Publisher) Messages() []models.FeedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.FeedMessage(nil), p.msgs...)
}

// Types returns the type of every published message in order
func (p *Publisher) Types() []models.FeedType {
	var out []models.FeedType
	for _, m := range p.Messages() {
		out = append(out, m.Type)
	}
	return out
}

// Reset forgets published messages
func (p *Publisher) Reset() {
	p.mu.Lock()
	p.msgs = nil
	p.mu.Unlock()
}

// Stations is a fixed station layout keyed by station id
type Stations map[string]models.Station

func (s Stations) Station(ctx context.Context, establishmentID, stationID string) (models.Station, error) {
	st, ok := s[stationID]
	if !ok {
		return models.Station{}, fmt.Errorf("station %s: %w", stationID, models.ErrNotFound)
	}
	return st, nil
}

func (s Stations) ExpoStation(ctx context.Context, establishmentID string) (models.Station, bool, error) {
	for _, st := range s {
		if st.IsExpo && st.Active {
			return st, true, nil
		}
	}
	return models.Station{}, false, nil
}
