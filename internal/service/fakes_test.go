package service

import (
	"time"

	"kds-service/internal/models"
	"kds-service/internal/printqueue"
	"kds-service/internal/service/servicetest"
)

var testClock = time.Date(2026, 3, 1, 19, 30, 0, 0, time.UTC)

type fixture struct {
	svc    *TicketService
	repo   *servicetest.Repo
	pub    *servicetest.Publisher
	locker *LocalLocker
}

func newFixture(opts Options) *fixture {
	stations := servicetest.Stations{
		"st-grill": {ID: "st-grill", Name: "Grill", Code: "GRILL", Active: true, DefaultPrinterID: "prn-grill"},
		"st-fry":   {ID: "st-fry", Name: "Fry", Code: "FRY", Active: true},
		"st-expo":  {ID: "st-expo", Name: "Expo", Code: "EXPO", Active: true, IsExpo: true, DefaultPrinterID: "prn-expo"},
	}
	f := &fixture{
		repo:   servicetest.NewRepo(),
		pub:    &servicetest.Publisher{},
		locker: NewLocalLocker(),
	}
	f.svc = NewTicketService(f.repo, f.locker, f.pub, printqueue.NewPlanner(stations), opts)
	f.svc.now = func() time.Time { return testClock }
	return f
}

// grillTicket is an OPEN ticket with a ribeye and a side, both PENDING
func grillTicket() models.Ticket {
	created := testClock.Add(-10 * time.Minute)
	return models.Ticket{
		ID:              "tkt-1",
		EstablishmentID: "est-1",
		CheckID:         "chk-1",
		OrderID:         "ord-1",
		StationID:       "st-grill",
		CourseNumber:    1,
		Status:          models.TicketOpen,
		Version:         1,
		CreatedAt:       created,
		UpdatedAt:       created,
		Items: []models.TicketItem{
			{ID: "itm-ribeye", Name: "Ribeye", Quantity: 1, Status: models.ItemPending, Version: 1, CreatedAt: created},
			{ID: "itm-asparagus", Name: "Asparagus", Quantity: 1, Status: models.ItemPending, Version: 1, CreatedAt: created},
		},
	}
}
