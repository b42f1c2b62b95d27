package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// Station represents a kitchen preparation area
type Station struct {
	ID               string    `db:"id" json:"id"`
	EstablishmentID  string    `db:"establishment_id" json:"establishment_id"`
	Name             string    `db:"name" json:"name"`
	Code             string    `db:"code" json:"code"`
	IsExpo           bool      `db:"is_expo" json:"is_expo"`
	IsPrimary        bool      `db:"is_primary" json:"is_primary"`
	NonKitchen       bool      `db:"non_kitchen" json:"non_kitchen"`
	DefaultPrinterID string    `db:"default_printer_id" json:"default_printer_id,omitempty"`
	Active           bool      `db:"active" json:"active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// RoutingRule maps a menu item or category to a station
type RoutingRule struct {
	ID                   int64   `db:"id" json:"id"`
	EstablishmentID      string  `db:"establishment_id" json:"establishment_id"`
	MenuItemID           *string `db:"menu_item_id" json:"menu_item_id,omitempty"`
	CategoryID           *string `db:"category_id" json:"category_id,omitempty"`
	StationID            string  `db:"station_id" json:"station_id"`
	EstimatedPrepSeconds int     `db:"estimated_prep_seconds" json:"estimated_prep_seconds"`
}

// Ticket is the unit of work shown on a station screen
type Ticket struct {
	ID              string       `db:"id" json:"id"`
	EstablishmentID string       `db:"establishment_id" json:"establishment_id"`
	CheckID         string       `db:"check_id" json:"check_id"`
	OrderID         string       `db:"order_id" json:"order_id"`
	TableLabel      string       `db:"table_label" json:"table_label,omitempty"`
	StationID       string       `db:"station_id" json:"station_id"`
	CourseNumber    int          `db:"course_number" json:"course_number"`
	Status          TicketStatus `db:"status" json:"status"`
	Priority        int          `db:"priority" json:"priority"`
	SourceSystem    string       `db:"source_system" json:"source_system"`
	Version         int64        `db:"version" json:"version"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	FiredAt         *time.Time   `db:"fired_at" json:"fired_at,omitempty"`
	ReadyAt         *time.Time   `db:"ready_at" json:"ready_at,omitempty"`
	BumpedAt        *time.Time   `db:"bumped_at" json:"bumped_at,omitempty"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`

	Items []TicketItem `db:"-" json:"items,omitempty"`
}

// TicketItem tracks one order line through the kitchen
type TicketItem struct {
	ID                   string         `db:"id" json:"id"`
	TicketID             string         `db:"ticket_id" json:"ticket_id"`
	SourceOrderItemID    string         `db:"source_order_item_id" json:"source_order_item_id"`
	MenuItemID           string         `db:"menu_item_id" json:"menu_item_id"`
	Name                 string         `db:"name" json:"name"`
	Quantity             int            `db:"quantity" json:"quantity"`
	Options              pq.StringArray `db:"options" json:"options,omitempty"`
	Status               ItemStatus     `db:"status" json:"status"`
	CookStation          string         `db:"cook_station" json:"cook_station"`
	EstimatedPrepSeconds int            `db:"estimated_prep_seconds" json:"estimated_prep_seconds"`
	Notes                string         `db:"notes" json:"notes,omitempty"`
	Version              int64          `db:"version" json:"version"`
	StartedAt            *time.Time     `db:"started_at" json:"started_at,omitempty"`
	DoneAt               *time.Time     `db:"done_at" json:"done_at,omitempty"`
	ExpoAt               *time.Time     `db:"expo_at" json:"expo_at,omitempty"`
	ServedAt             *time.Time     `db:"served_at" json:"served_at,omitempty"`
	CanceledAt           *time.Time     `db:"canceled_at" json:"canceled_at,omitempty"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// Event is one immutable audit log row
type Event struct {
	ID              int64           `db:"id" json:"id"`
	EstablishmentID string          `db:"establishment_id" json:"establishment_id"`
	TicketID        *string         `db:"ticket_id" json:"ticket_id,omitempty"`
	TicketItemID    *string         `db:"ticket_item_id" json:"ticket_item_id,omitempty"`
	EventType       string          `db:"event_type" json:"event_type"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	ActorType       string          `db:"actor_type" json:"actor_type"`
	ActorID         *string         `db:"actor_id" json:"actor_id,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// PrintJob is a printable slip waiting for a printer
type PrintJob struct {
	ID              string          `db:"id" json:"id"`
	EstablishmentID string          `db:"establishment_id" json:"establishment_id"`
	PrinterID       string          `db:"printer_id" json:"printer_id"`
	RefType         string          `db:"ref_type" json:"ref_type"`
	RefID           string          `db:"ref_id" json:"ref_id"`
	JobType         string          `db:"job_type" json:"job_type"`
	TemplateCode    string          `db:"template_code" json:"template_code"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	Status          string          `db:"status" json:"status"`
	Attempts        int             `db:"attempts" json:"attempts"`
	LastError       *string         `db:"last_error" json:"last_error,omitempty"`
	IdempotencyKey  string          `db:"idempotency_key" json:"idempotency_key"`
	NextAttemptAt   time.Time       `db:"next_attempt_at" json:"next_attempt_at"`
	LeasedUntil     *time.Time      `db:"leased_until" json:"leased_until,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Event log types
const (
	EventTicketCreated       = "TICKET_CREATED"
	EventTicketStatusChanged = "TICKET_STATUS_CHANGED"
	EventItemCreated         = "ITEM_CREATED"
	EventItemStatusChanged   = "ITEM_STATUS_CHANGED"
	EventItemModified        = "ITEM_MODIFIED"
	EventModification        = "MODIFICATION"
	EventNoOp                = "NO_OP"
	EventPaymentCompleted    = "PAYMENT_COMPLETED"
	EventDeliveryFailure     = "DELIVERY_FAILURE"
	EventReprintRequested    = "REPRINT_REQUESTED"
)

// Actor types
const (
	ActorSystem      = "SYSTEM"
	ActorStaff       = "STAFF"
	ActorOrderSystem = "ORDER_SYSTEM"
)

// Print job statuses
const (
	PrintStatusQueued   = "QUEUED"
	PrintStatusPrinting = "PRINTING"
	PrintStatusDone     = "DONE"
	PrintStatusFailed   = "FAILED"
)

// Print job reference types
const (
	RefTicket     = "TICKET"
	RefTicketItem = "TICKET_ITEM"
	RefCheck      = "CHECK"
)

// Print job types
const (
	JobNewOrder  = "NEW_ORDER"
	JobAddOn     = "ADD_ON"
	JobVoid      = "VOID"
	JobReadySlip = "READY_SLIP"
	JobReprint   = "REPRINT"
)

// NonCanceledItems returns the items that still count toward the ticket
func (t *Ticket) NonCanceledItems() []TicketItem {
	out := make([]TicketItem, 0, len(t.Items))
	for _, item := range t.Items {
		if item.Status != ItemCanceled {
			out = append(out, item)
		}
	}
	return out
}

// Item returns a pointer into t.Items for the given id, or nil
func (t *Ticket) Item(id string) *TicketItem {
	for i := range t.Items {
		if t.Items[i].ID == id {
			return &t.Items[i]
		}
	}
	return nil
}

// ItemBySource finds an item by its originating order item id
func (t *Ticket) ItemBySource(sourceOrderItemID string) *TicketItem {
	for i := range t.Items {
		if t.Items[i].SourceOrderItemID == sourceOrderItemID {
			return &t.Items[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without touching cached state
func (t *Ticket) Clone() *Ticket {
	c := *t
	c.Items = make([]TicketItem, len(t.Items))
	for i, item := range t.Items {
		c.Items[i] = item.Clone()
	}
	return &c
}

// Clone returns a copy of the item with its own options slice
func (i TicketItem) Clone() TicketItem {
	c := i
	if i.Options != nil {
		c.Options = append(pq.StringArray(nil), i.Options...)
	}
	return c
}
