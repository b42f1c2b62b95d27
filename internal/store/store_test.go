package store

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"kds-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

var ticketCols = []string{"id", "establishment_id", "check_id", "order_id", "table_label", "station_id", "course_number",
	"status", "priority", "source_system", "version", "created_at", "fired_at", "ready_at", "bumped_at", "updated_at"}

var itemCols = []string{"id", "ticket_id", "source_order_item_id", "menu_item_id", "name", "quantity", "options", "status",
	"cook_station", "estimated_prep_seconds", "notes", "version", "started_at", "done_at", "expo_at", "served_at",
	"canceled_at", "created_at", "updated_at"}

func TestCommit(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	ticketID := "tkt-1"

	m := &models.Mutation{
		UpdateTickets: []models.Ticket{{ID: ticketID, Status: models.TicketInProgress, Version: 3, UpdatedAt: now}},
		UpdateItems:   []models.TicketItem{{ID: "itm-1", TicketID: ticketID, Status: models.ItemCooking, Version: 2, UpdatedAt: now}},
		Events: []models.Event{{
			EstablishmentID: "est-1",
			TicketID:        &ticketID,
			EventType:       models.EventItemStatusChanged,
			Payload:         []byte(`{"from":"PENDING","to":"COOKING"}`),
			ActorType:       models.ActorStaff,
			CreatedAt:       now,
		}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tickets SET")).
		WithArgs(models.TicketInProgress, 0, int64(3), nil, nil, nil, now, "", ticketID, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ticket_items SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))
	mock.ExpectCommit()

	require.NoError(t, s.Commit(context.Background(), m))
	assert.Equal(t, int64(41), m.Events[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitVersionConflictRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	m := &models.Mutation{
		UpdateItems: []models.TicketItem{{ID: "itm-1", Status: models.ItemDone, Version: 5}},
		Events:      []models.Event{{EstablishmentID: "est-1", EventType: models.EventItemStatusChanged}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ticket_items SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Commit(context.Background(), m)
	assert.True(t, errors.Is(err, models.ErrConflict), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTicketNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tickets WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(ticketCols))

	_, err := s.GetTicket(context.Background(), "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTicketsLoadsItems(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM tickets WHERE establishment_id = $1 AND station_id = $2 AND status <> 'BUMPED' ORDER BY created_at, id")).
		WithArgs("est-1", "st-grill").
		WillReturnRows(sqlmock.NewRows(ticketCols).
			AddRow("tkt-1", "est-1", "chk-1", "ord-1", "T12", "st-grill", 1,
				"OPEN", 0, "pos", int64(1), created, nil, nil, nil, created))

	mock.ExpectQuery(regexp.QuoteMeta("FROM ticket_items WHERE ticket_id IN ($1)")).
		WithArgs("tkt-1").
		WillReturnRows(sqlmock.NewRows(itemCols).
			AddRow("itm-1", "tkt-1", "oi-1", "ribeye", "Ribeye", 1, []byte(`{"medium rare"}`), "PENDING",
				"GRILL", 900, "", int64(1), nil, nil, nil, nil, nil, created, created))

	tickets, err := s.ListTickets(context.Background(), models.TicketFilter{EstablishmentID: "est-1", StationID: "st-grill"})
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, models.TicketOpen, tickets[0].Status)
	require.Len(t, tickets[0].Items, 1)
	assert.Equal(t, models.ItemPending, tickets[0].Items[0].Status)
	assert.Equal(t, []string{"medium rare"}, []string(tickets[0].Items[0].Options))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListEventsClampsLimit(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE establishment_id = $1 AND id > $2 ORDER BY id LIMIT $3")).
		WithArgs("est-1", int64(10), 1000).
		WillReturnRows(sqlmock.NewRows([]string{"id", "establishment_id", "ticket_id", "ticket_item_id", "event_type",
			"payload", "actor_type", "actor_id", "created_at"}).
			AddRow(int64(11), "est-1", "tkt-1", nil, models.EventTicketCreated, []byte(`{}`), models.ActorSystem, nil, now))

	events, err := s.ListEvents(context.Background(), "est-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].TicketID)
	assert.Equal(t, "tkt-1", *events[0].TicketID)
	assert.Nil(t, events[0].TicketItemID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseNextPrintJobEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM print_jobs")).
		WithArgs("prn-grill", 5, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	job, err := s.LeaseNextPrintJob(context.Background(), "prn-grill", now, now.Add(30*time.Second), 5)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishPrintJobRequiresLease(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE print_jobs SET status = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.FinishPrintJob(context.Background(), &models.PrintJob{ID: "job-1", Status: models.PrintStatusDone})
	assert.True(t, errors.Is(err, models.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessedEvents(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)")).
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WithArgs("evt-2", models.EventTypeOrderCreated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	done, err := s.IsEventProcessed(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, done)
	require.NoError(t, s.MarkEventProcessed(context.Background(), "evt-2", models.EventTypeOrderCreated))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateIntegration(t *testing.T) {
	url := os.Getenv("KDS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}
