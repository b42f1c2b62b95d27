package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kds-service/internal/fanout"
	"kds-service/internal/models"
	"kds-service/internal/printqueue"
	"kds-service/internal/service"
	"kds-service/internal/service/servicetest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleJobs struct{}

func (idleJobs) LeaseNextPrintJob(ctx context.Context, printerID string, now, leaseUntil time.Time, maxAttempts int) (*models.PrintJob, error) {
	return nil, nil
}

func (idleJobs) GetPrintJob(ctx context.Context, id string) (*models.PrintJob, error) {
	return nil, models.ErrNotFound
}

func (idleJobs) FinishPrintJob(ctx context.Context, job *models.PrintJob) error { return nil }

func (idleJobs) ReapExpiredPrintJobs(ctx context.Context, now time.Time) ([]models.PrintJob, error) {
	return nil, nil
}

func (idleJobs) AppendEvents(ctx context.Context, events ...models.Event) error { return nil }

type recordingProcessor struct {
	got []models.OrderEvent
}

func (p *recordingProcessor) Process(ctx context.Context, evt models.OrderEvent) error {
	p.got = append(p.got, evt)
	return nil
}

type harness struct {
	router *gin.Engine
	repo   *servicetest.Repo
	hub    *fanout.Hub
	events *recordingProcessor
}

func newHarness(checks ...ReadinessCheck) *harness {
	gin.SetMode(gin.TestMode)

	stations := servicetest.Stations{
		"st-grill": {ID: "st-grill", Name: "Grill", Code: "GRILL", Active: true},
	}
	h := &harness{
		router: gin.New(),
		repo:   servicetest.NewRepo(),
		hub:    fanout.NewHub(16),
		events: &recordingProcessor{},
	}
	tickets := service.NewTicketService(h.repo, service.NewLocalLocker(), h.hub, printqueue.NewPlanner(stations), service.Options{})
	queue := printqueue.NewQueue(idleJobs{}, printqueue.Options{})
	NewHandler(tickets, queue, h.hub, h.events, checks...).SetupRoutes(h.router)

	created := time.Now().Add(-5 * time.Minute)
	h.repo.Seed(models.Ticket{
		ID:              "tkt-1",
		EstablishmentID: "est-1",
		CheckID:         "chk-1",
		StationID:       "st-grill",
		Status:          models.TicketOpen,
		Version:         1,
		CreatedAt:       created,
		Items: []models.TicketItem{
			{ID: "itm-1", TicketID: "tkt-1", Name: "Burger", Quantity: 1, Status: models.ItemPending, Version: 1, CreatedAt: created},
		},
	})
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestSetItemStatus(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/api/v1/items/itm-1/status", `{"status":"COOKING"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var item models.TicketItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	assert.Equal(t, models.ItemCooking, item.Status)
	assert.Equal(t, int64(2), item.Version)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing status", http.MethodPost, "/api/v1/items/itm-1/status", `{}`, http.StatusBadRequest, "ValidationError"},
		{"unknown status", http.MethodPost, "/api/v1/items/itm-1/status", `{"status":"BURNT"}`, http.StatusBadRequest, "ValidationError"},
		{"unknown item", http.MethodPost, "/api/v1/items/itm-9/status", `{"status":"COOKING"}`, http.StatusNotFound, "NotFound"},
		{"skipped step", http.MethodPost, "/api/v1/items/itm-1/status", `{"status":"SERVED"}`, http.StatusUnprocessableEntity, "InvalidTransition"},
		{"stale version", http.MethodPost, "/api/v1/items/itm-1/status", `{"status":"COOKING","expected_version":4}`, http.StatusConflict, "Conflict"},
		{"unknown ticket", http.MethodGet, "/api/v1/tickets/tkt-9", "", http.StatusNotFound, "NotFound"},
		{"bad status filter", http.MethodGet, "/api/v1/establishments/est-1/tickets?status=DONE", "", http.StatusBadRequest, "ValidationError"},
		{"bad cursor", http.MethodGet, "/api/v1/establishments/est-1/events?after=x", "", http.StatusBadRequest, "ValidationError"},
		{"malformed order event", http.MethodPost, "/api/v1/order-events", `{"event_type":"ORDER_LOST"}`, http.StatusBadRequest, "ValidationError"},
		{"unknown print job", http.MethodPost, "/api/v1/print-jobs/job-1/result", `{"success":true}`, http.StatusNotFound, "NotFound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestBumpTwiceIsInvalid(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/api/v1/tickets/tkt-1/bump", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodPost, "/api/v1/tickets/tkt-1/bump", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = h.do(http.MethodGet, "/api/v1/establishments/est-1/tickets", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(extract(t, w, "tickets")))
}

func TestListTickets(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/api/v1/establishments/est-1/tickets?station=st-grill&status=OPEN,IN_PROGRESS", "")
	require.Equal(t, http.StatusOK, w.Code)

	var tickets []models.Ticket
	require.NoError(t, json.Unmarshal(extract(t, w, "tickets"), &tickets))
	require.Len(t, tickets, 1)
	assert.Equal(t, "tkt-1", tickets[0].ID)
	assert.Len(t, tickets[0].Items, 1)
}

func TestIngestOrderEvent(t *testing.T) {
	h := newHarness()

	body := `{"event_id":"evt-1","event_type":"PAYMENT_COMPLETED","establishment_id":"est-1","order_id":"ord-1","check_id":"chk-1"}`
	w := h.do(http.MethodPost, "/api/v1/order-events", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `"evt-1"`, string(extract(t, w, "event_id")))
	require.Len(t, h.events.got, 1)
	assert.IsType(t, models.PaymentCompleted{}, h.events.got[0])
}

func TestNextPrintJobEmpty(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/api/v1/printers/prn-grill/next", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(func(ctx context.Context) error { return nil })
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/ready", "").Code)

	h = newHarness(func(ctx context.Context) error { return assert.AnError })
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/ready", "").Code)
}

func TestFeedStreamsCommittedChanges(t *testing.T) {
	h := newHarness()
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/establishments/est-1/feed?station=st-grill", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.hub.Count("est-1") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/v1/items/itm-1/status", `{"status":"COOKING"}`).Code)

	var events []string
	var data []models.FeedMessage
	scanner := bufio.NewScanner(resp.Body)
	for len(data) < 2 && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			var msg models.FeedMessage
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
			data = append(data, msg)
		}
	}

	assert.Equal(t, []string{"item_status_changed", "ticket_modified"}, events)
	require.Len(t, data, 2)
	assert.Equal(t, "itm-1", data[0].TicketItemID)
	assert.Equal(t, string(models.ItemCooking), data[0].NewStatus)
	assert.Equal(t, string(models.TicketInProgress), data[1].NewStatus)
}

func extract(t *testing.T, w *httptest.ResponseRecorder, field string) json.RawMessage {
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body[field]
}
