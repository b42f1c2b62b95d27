package printqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"kds-service/internal/models"
	"kds-service/internal/service/servicetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plannerTicket() *models.Ticket {
	return &models.Ticket{
		ID:              "tkt-1",
		EstablishmentID: "est-1",
		CheckID:         "chk-1",
		OrderID:         "ord-1",
		TableLabel:      "T4",
		StationID:       "st-grill",
		CourseNumber:    2,
		Status:          models.TicketOpen,
		Version:         3,
		Items: []models.TicketItem{
			{ID: "i1", Name: "Ribeye", Quantity: 1, Options: []string{"rare"}, Status: models.ItemPending},
			{ID: "i2", Name: "Salmon", Quantity: 1, Status: models.ItemCanceled},
		},
	}
}

func TestPlannerNewOrder(t *testing.T) {
	p := NewPlanner(servicetest.Stations{
		"st-grill": {ID: "st-grill", Name: "Grill", DefaultPrinterID: "prn-grill", Active: true},
	})
	now := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

	jobs := p.NewOrder(context.Background(), plannerTicket(), now)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, "prn-grill", job.PrinterID)
	assert.Equal(t, "kitchen_chit", job.TemplateCode)
	assert.Equal(t, models.PrintStatusQueued, job.Status)
	assert.Equal(t, "TICKET:tkt-1:NEW_ORDER:3", job.IdempotencyKey)
	assert.Equal(t, now, job.NextAttemptAt)

	var slip Slip
	require.NoError(t, json.Unmarshal(job.Payload, &slip))
	assert.Equal(t, "Grill", slip.Station)
	assert.Equal(t, "T4", slip.TableLabel)
	assert.Equal(t, 2, slip.Course)
	require.Len(t, slip.Lines, 1)
	assert.Equal(t, "Ribeye", slip.Lines[0].Name)
	assert.Equal(t, []string{"rare"}, slip.Lines[0].Options)
}

func TestPlannerSkipsStationsWithoutPrinter(t *testing.T) {
	p := NewPlanner(servicetest.Stations{"st-grill": {ID: "st-grill", Active: true}})
	now := time.Now()

	assert.Empty(t, p.NewOrder(context.Background(), plannerTicket(), now))

	missing := plannerTicket()
	missing.StationID = "st-gone"
	assert.Empty(t, p.NewOrder(context.Background(), missing, now))
}

func TestPlannerReadySlipPrefersExpo(t *testing.T) {
	stations := servicetest.Stations{
		"st-grill": {ID: "st-grill", DefaultPrinterID: "prn-grill", Active: true},
		"st-expo":  {ID: "st-expo", IsExpo: true, Active: true, DefaultPrinterID: "prn-pass"},
	}
	now := time.Now()

	jobs := NewPlanner(stations).ReadySlip(context.Background(), plannerTicket(), now)
	require.Len(t, jobs, 1)
	assert.Equal(t, "prn-pass", jobs[0].PrinterID)
	assert.Equal(t, "pass_ready", jobs[0].TemplateCode)

	stations["st-expo"] = models.Station{ID: "st-expo", IsExpo: true, Active: true}
	jobs = NewPlanner(stations).ReadySlip(context.Background(), plannerTicket(), now)
	require.Len(t, jobs, 1)
	assert.Equal(t, "prn-grill", jobs[0].PrinterID)
}

func TestPlannerVoidAndReprint(t *testing.T) {
	p := NewPlanner(servicetest.Stations{"st-grill": {ID: "st-grill", DefaultPrinterID: "prn-grill", Active: true}})
	t1 := plannerTicket()
	now := time.Now()

	assert.Empty(t, p.Void(context.Background(), t1, nil, "", now))
	assert.Empty(t, p.AddOn(context.Background(), t1, nil, now))

	void := p.Void(context.Background(), t1, t1.Items[1:], "86 salmon", now)
	require.Len(t, void, 1)
	var slip Slip
	require.NoError(t, json.Unmarshal(void[0].Payload, &slip))
	assert.Equal(t, "86 salmon", slip.Reason)
	assert.Equal(t, "Salmon", slip.Lines[0].Name)

	a := p.Reprint(context.Background(), t1, 1, now)
	b := p.Reprint(context.Background(), t1, 2, now)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotEqual(t, a[0].IdempotencyKey, b[0].IdempotencyKey)
}
