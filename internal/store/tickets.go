package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"kds-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const ticketColumns = `id, establishment_id, check_id, order_id, table_label, station_id, course_number,
	status, priority, source_system, version, created_at, fired_at, ready_at, bumped_at, updated_at`

const itemColumns = `id, ticket_id, source_order_item_id, menu_item_id, name, quantity, options, status,
	cook_station, estimated_prep_seconds, notes, version, started_at, done_at, expo_at, served_at,
	canceled_at, created_at, updated_at`

// Commit applies a mutation in one transaction. Updates are guarded by the
// row version; any mismatch rolls everything back with ErrConflict.
func (s *Store) Commit(ctx context.Context, m *models.Mutation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range m.InsertTickets {
		if err := insertTicket(ctx, tx, &m.InsertTickets[i]); err != nil {
			return err
		}
	}
	for i := range m.UpdateTickets {
		if err := updateTicket(ctx, tx, &m.UpdateTickets[i]); err != nil {
			return err
		}
	}
	for i := range m.InsertItems {
		if err := insertItem(ctx, tx, &m.InsertItems[i]); err != nil {
			return err
		}
	}
	for i := range m.UpdateItems {
		if err := updateItem(ctx, tx, &m.UpdateItems[i]); err != nil {
			return err
		}
	}
	for i := range m.Events {
		if err := insertEvent(ctx, tx, &m.Events[i]); err != nil {
			return err
		}
	}
	for i := range m.PrintJobs {
		if err := insertPrintJob(ctx, tx, &m.PrintJobs[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertTicket(ctx context.Context, tx *sqlx.Tx, t *models.Ticket) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.EstablishmentID, t.CheckID, t.OrderID, t.TableLabel, t.StationID, t.CourseNumber,
		t.Status, t.Priority, t.SourceSystem, t.Version, t.CreatedAt, t.FiredAt, t.ReadyAt, t.BumpedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ticket %s: %w", t.ID, err)
	}
	return nil
}

func updateTicket(ctx context.Context, tx *sqlx.Tx, t *models.Ticket) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tickets SET status = $1, priority = $2, version = $3, fired_at = $4, ready_at = $5,
			bumped_at = $6, updated_at = $7, table_label = $8
		WHERE id = $9 AND version = $10`,
		t.Status, t.Priority, t.Version, t.FiredAt, t.ReadyAt, t.BumpedAt, t.UpdatedAt, t.TableLabel,
		t.ID, t.Version-1)
	if err != nil {
		return fmt.Errorf("failed to update ticket %s: %w", t.ID, err)
	}
	return expectOneRow(res, "ticket", t.ID)
}

func insertItem(ctx context.Context, tx *sqlx.Tx, it *models.TicketItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ticket_items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		it.ID, it.TicketID, it.SourceOrderItemID, it.MenuItemID, it.Name, it.Quantity, optionsArray(it.Options),
		it.Status, it.CookStation, it.EstimatedPrepSeconds, it.Notes, it.Version, it.StartedAt, it.DoneAt,
		it.ExpoAt, it.ServedAt, it.CanceledAt, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ticket item %s: %w", it.ID, err)
	}
	return nil
}

func updateItem(ctx context.Context, tx *sqlx.Tx, it *models.TicketItem) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE ticket_items SET status = $1, quantity = $2, options = $3, notes = $4, version = $5,
			started_at = $6, done_at = $7, expo_at = $8, served_at = $9, canceled_at = $10, updated_at = $11
		WHERE id = $12 AND version = $13`,
		it.Status, it.Quantity, optionsArray(it.Options), it.Notes, it.Version, it.StartedAt, it.DoneAt,
		it.ExpoAt, it.ServedAt, it.CanceledAt, it.UpdatedAt, it.ID, it.Version-1)
	if err != nil {
		return fmt.Errorf("failed to update ticket item %s: %w", it.ID, err)
	}
	return expectOneRow(res, "ticket item", it.ID)
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s was modified concurrently: %w", kind, id, models.ErrConflict)
	}
	return nil
}

func optionsArray(opts pq.StringArray) pq.StringArray {
	if opts == nil {
		return pq.StringArray{}
	}
	return opts
}

// GetTicket retrieves a ticket with its items
func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.GetContext(ctx, &t, "SELECT "+ticketColumns+" FROM tickets WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := s.selectItemsInto(ctx, []*models.Ticket{&t}); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTicketByItem retrieves the ticket that owns an item, with all its items
func (s *Store) GetTicketByItem(ctx context.Context, itemID string) (*models.Ticket, error) {
	var ticketID string
	err := s.db.GetContext(ctx, &ticketID, "SELECT ticket_id FROM ticket_items WHERE id = $1", itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket item %s: %w", itemID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.GetTicket(ctx, ticketID)
}

// ListTickets retrieves tickets with nested items matching the filter
func (s *Store) ListTickets(ctx context.Context, f models.TicketFilter) ([]models.Ticket, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.EstablishmentID != "" {
		add("establishment_id = $%d", f.EstablishmentID)
	}
	if f.StationID != "" {
		add("station_id = $%d", f.StationID)
	}
	if f.CheckID != "" {
		add("check_id = $%d", f.CheckID)
	}
	if f.OrderID != "" {
		add("order_id = $%d", f.OrderID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if !f.IncludeBumped {
		where = append(where, "status <> 'BUMPED'")
	}

	query := "SELECT " + ticketColumns + " FROM tickets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	var tickets []models.Ticket
	if err := s.db.SelectContext(ctx, &tickets, query, args...); err != nil {
		return nil, err
	}

	ptrs := make([]*models.Ticket, len(tickets))
	for i := range tickets {
		ptrs[i] = &tickets[i]
	}
	if err := s.selectItemsInto(ctx, ptrs); err != nil {
		return nil, err
	}
	return tickets, nil
}

// selectItemsInto loads the items of every given ticket in one query
func (s *Store) selectItemsInto(ctx context.Context, tickets []*models.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}

	ids := make([]string, len(tickets))
	byID := make(map[string]*models.Ticket, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ID
		byID[t.ID] = t
		t.Items = nil
	}

	query, args, err := sqlx.In("SELECT "+itemColumns+" FROM ticket_items WHERE ticket_id IN (?) ORDER BY created_at, id", ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	var items []models.TicketItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return err
	}

	for _, it := range items {
		if t := byID[it.TicketID]; t != nil {
			t.Items = append(t.Items, it)
		}
	}
	return nil
}
