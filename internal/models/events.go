package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inbound order event types
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypeOrderModified    = "ORDER_MODIFIED"
	EventTypeOrderCanceled    = "ORDER_CANCELED"
	EventTypePaymentCompleted = "PAYMENT_COMPLETED"
)

// BaseEvent contains common fields for all inbound events
type BaseEvent struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	Timestamp       time.Time `json:"timestamp"`
	EstablishmentID string    `json:"establishment_id"`
	OrderID         string    `json:"order_id"`
	CheckID         string    `json:"check_id"`
	SourceSystem    string    `json:"source_system,omitempty"`
}

// Base exposes the common envelope of any order event
func (b BaseEvent) Base() BaseEvent { return b }

// OrderEvent is the closed set of inbound order lifecycle events.
// Only the types in this file implement it.
type OrderEvent interface {
	Base() BaseEvent
	orderEvent()
}

// OrderCreated is emitted when an order is placed
type OrderCreated struct {
	BaseEvent
	TableLabel   string          `json:"table_label,omitempty"`
	CourseNumber int             `json:"course_number,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	Items        []OrderItemData `json:"items"`
}

// OrderModified is emitted when items are added or changed, or a course is fired
type OrderModified struct {
	BaseEvent
	CourseNumber int             `json:"course_number,omitempty"`
	Items        []OrderItemData `json:"items"`
	Modification string          `json:"modification,omitempty"`
}

// OrderCanceled is emitted when some or all order items are voided
type OrderCanceled struct {
	BaseEvent
	Items  []OrderItemData `json:"items,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// PaymentCompleted is emitted when the check is paid
type PaymentCompleted struct {
	BaseEvent
}

func (OrderCreated) orderEvent()     {}
func (OrderModified) orderEvent()    {}
func (OrderCanceled) orderEvent()    {}
func (PaymentCompleted) orderEvent() {}

// OrderItemData represents item data in events
type OrderItemData struct {
	OrderItemID string   `json:"order_item_id,omitempty"`
	MenuItemID  string   `json:"menu_item_id"`
	CategoryID  string   `json:"category_id,omitempty"`
	Name        string   `json:"name"`
	Quantity    int      `json:"quantity"`
	Options     []string `json:"options,omitempty"`
	CookStation string   `json:"cook_station,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// SourceID returns the order item id, deriving a stable one from the order and position when absent
func (d OrderItemData) SourceID(orderID string, index int) string {
	if d.OrderItemID != "" {
		return d.OrderItemID
	}
	return fmt.Sprintf("%s#%d", orderID, index)
}

// Validate checks a single item; failures are contained to that item
func (d OrderItemData) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: item name is required", ErrValidation)
	}
	if d.Quantity <= 0 {
		return fmt.Errorf("%w: item %q has quantity %d", ErrValidation, d.Name, d.Quantity)
	}
	return nil
}

// DecodeOrderEvent parses a raw inbound message into its concrete event type
func DecodeOrderEvent(raw []byte) (OrderEvent, error) {
	var base BaseEvent
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal base event: %v", ErrValidation, err)
	}

	var (
		evt OrderEvent
		err error
	)
	switch base.EventType {
	case EventTypeOrderCreated:
		var e OrderCreated
		err = json.Unmarshal(raw, &e)
		evt = e
	case EventTypeOrderModified:
		var e OrderModified
		err = json.Unmarshal(raw, &e)
		evt = e
	case EventTypeOrderCanceled:
		var e OrderCanceled
		err = json.Unmarshal(raw, &e)
		evt = e
	case EventTypePaymentCompleted:
		var e PaymentCompleted
		err = json.Unmarshal(raw, &e)
		evt = e
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrValidation, base.EventType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal %s event: %v", ErrValidation, base.EventType, err)
	}
	if err := ValidateOrderEvent(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// ValidateOrderEvent checks the envelope fields every event kind needs
func ValidateOrderEvent(evt OrderEvent) error {
	b := evt.Base()
	if b.OrderID == "" && b.CheckID == "" {
		return fmt.Errorf("%w: order_id or check_id is required", ErrValidation)
	}
	switch e := evt.(type) {
	case OrderCreated:
		if e.EstablishmentID == "" {
			return fmt.Errorf("%w: establishment_id is required", ErrValidation)
		}
		if e.CheckID == "" {
			return fmt.Errorf("%w: check_id is required", ErrValidation)
		}
	case OrderModified:
		if e.CheckID == "" {
			return fmt.Errorf("%w: check_id is required", ErrValidation)
		}
	case OrderCanceled, PaymentCompleted:
	}
	return nil
}
