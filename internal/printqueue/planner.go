package printqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kds-service/internal/models"
	"kds-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StationLookup resolves the printer behind a station
type StationLookup interface {
	Station(ctx context.Context, establishmentID, stationID string) (models.Station, error)
	ExpoStation(ctx context.Context, establishmentID string) (models.Station, bool, error)
}

// SlipLine is one printed item line
type SlipLine struct {
	Name     string   `json:"name"`
	Quantity int      `json:"quantity"`
	Options  []string `json:"options,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Status   string   `json:"status,omitempty"`
}

// Slip is the payload handed to a printer template
type Slip struct {
	TicketID   string     `json:"ticket_id"`
	CheckID    string     `json:"check_id"`
	OrderID    string     `json:"order_id"`
	TableLabel string     `json:"table_label,omitempty"`
	Station    string     `json:"station"`
	Course     int        `json:"course"`
	Priority   int        `json:"priority"`
	Lines      []SlipLine `json:"lines"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Planner turns ticket changes into print jobs
type Planner struct {
	stations StationLookup
	logger   *zap.Logger
}

// NewPlanner creates a print job planner
func NewPlanner(stations StationLookup) *Planner {
	return &Planner{
		stations: stations,
		logger:   util.GetLogger(),
	}
}

// IdempotencyKey identifies one logical print of a reference
func IdempotencyKey(refType, refID, jobType string, version int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", refType, refID, jobType, version)
}

// NewOrder plans the chit for a freshly created ticket
func (p *Planner) NewOrder(ctx context.Context, t *models.Ticket, now time.Time) []models.PrintJob {
	return p.plan(ctx, t, t.StationID, models.JobNewOrder, t.NonCanceledItems(), "", t.Version, now)
}

// AddOn plans a chit listing only the items added to an existing ticket
func (p *Planner) AddOn(ctx context.Context, t *models.Ticket, added []models.TicketItem, now time.Time) []models.PrintJob {
	if len(added) == 0 {
		return nil
	}
	return p.plan(ctx, t, t.StationID, models.JobAddOn, added, "", t.Version, now)
}

// Void plans the cancellation chit for canceled items
func (p *Planner) Void(ctx context.Context, t *models.Ticket, canceled []models.TicketItem, reason string, now time.Time) []models.PrintJob {
	if len(canceled) == 0 {
		return nil
	}
	return p.plan(ctx, t, t.StationID, models.JobVoid, canceled, reason, t.Version, now)
}

// ReadySlip plans the pass slip; it prints at expo when the establishment has one
func (p *Planner) ReadySlip(ctx context.Context, t *models.Ticket, now time.Time) []models.PrintJob {
	stationID := t.StationID
	expo, ok, err := p.stations.ExpoStation(ctx, t.EstablishmentID)
	if err != nil {
		p.logger.Warn("Expo lookup failed, printing ready slip at station",
			zap.String("ticket_id", t.ID), zap.Error(err))
	} else if ok && expo.DefaultPrinterID != "" {
		stationID = expo.ID
	}
	return p.plan(ctx, t, stationID, models.JobReadySlip, t.NonCanceledItems(), "", t.Version, now)
}

// Reprint plans a copy of the ticket; seq makes each request a distinct job
func (p *Planner) Reprint(ctx context.Context, t *models.Ticket, seq int64, now time.Time) []models.PrintJob {
	return p.plan(ctx, t, t.StationID, models.JobReprint, t.NonCanceledItems(), "reprint", seq, now)
}

func (p *Planner) plan(ctx context.Context, t *models.Ticket, stationID, jobType string, items []models.TicketItem, reason string, version int64, now time.Time) []models.PrintJob {
	st, err := p.stations.Station(ctx, t.EstablishmentID, stationID)
	if err != nil {
		p.logger.Warn("Station lookup failed, skipping print job",
			zap.String("ticket_id", t.ID),
			zap.String("job_type", jobType),
			zap.Error(err))
		return nil
	}
	if st.DefaultPrinterID == "" {
		return nil
	}

	slip := Slip{
		TicketID:   t.ID,
		CheckID:    t.CheckID,
		OrderID:    t.OrderID,
		TableLabel: t.TableLabel,
		Station:    st.Name,
		Course:     t.CourseNumber,
		Priority:   t.Priority,
		Lines:      make([]SlipLine, 0, len(items)),
		Reason:     reason,
		CreatedAt:  now,
	}
	for _, it := range items {
		slip.Lines = append(slip.Lines, SlipLine{
			Name:     it.Name,
			Quantity: it.Quantity,
			Options:  it.Options,
			Notes:    it.Notes,
			Status:   string(it.Status),
		})
	}
	payload, err := json.Marshal(slip)
	if err != nil {
		p.logger.Error("Failed to encode print slip", zap.String("ticket_id", t.ID), zap.Error(err))
		return nil
	}

	util.PrintJobsEnqueuedTotal.WithLabelValues(jobType).Inc()
	return []models.PrintJob{{
		ID:              uuid.New().String(),
		EstablishmentID: t.EstablishmentID,
		PrinterID:       st.DefaultPrinterID,
		RefType:         models.RefTicket,
		RefID:           t.ID,
		JobType:         jobType,
		TemplateCode:    TemplateCode(jobType),
		Payload:         payload,
		Status:          models.PrintStatusQueued,
		IdempotencyKey:  IdempotencyKey(models.RefTicket, t.ID, jobType, version),
		NextAttemptAt:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}}
}

// TemplateCode maps a job type to its printer template
func TemplateCode(jobType string) string {
	switch jobType {
	case models.JobNewOrder:
		return "kitchen_chit"
	case models.JobAddOn:
		return "kitchen_add_on"
	case models.JobVoid:
		return "kitchen_void"
	case models.JobReadySlip:
		return "pass_ready"
	default:
		return "kitchen_reprint"
	}
}
