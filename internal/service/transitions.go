package service

import (
	"encoding/json"
	"time"

	"kds-service/internal/models"
)

// DeriveTicketStatus computes a ticket's status from its items.
// BUMPED is sticky; a ticket with no live items is BUMPED.
func DeriveTicketStatus(t *models.Ticket, autoBumpServed bool) models.TicketStatus {
	if t.Status == models.TicketBumped {
		return models.TicketBumped
	}

	live := t.NonCanceledItems()
	if len(live) == 0 {
		return models.TicketBumped
	}

	allFinished, allServed, started := true, true, false
	for _, it := range live {
		if !it.Status.Finished() {
			allFinished = false
		}
		if it.Status != models.ItemServed {
			allServed = false
		}
		if it.Status.Started() {
			started = true
		}
	}

	switch {
	case allServed && autoBumpServed:
		return models.TicketBumped
	case allFinished:
		return models.TicketReady
	case started || t.Status == models.TicketInProgress || t.Status == models.TicketReady:
		return models.TicketInProgress
	default:
		return models.TicketOpen
	}
}

// applyItemStatus moves item to status and stamps the matching timestamp.
// The caller has already validated the edge.
func applyItemStatus(item *models.TicketItem, to models.ItemStatus, now time.Time) {
	item.Status = to
	item.Version++
	item.UpdatedAt = now

	switch to {
	case models.ItemCooking:
		item.StartedAt = &now
	case models.ItemDone:
		item.DoneAt = &now
	case models.ItemExpo:
		item.ExpoAt = &now
	case models.ItemServed:
		item.ServedAt = &now
	case models.ItemCanceled:
		item.CanceledAt = &now
	case models.ItemPending, models.ItemHold:
	}
}

// applyTicketStatus moves the ticket to status and stamps the matching timestamp
func applyTicketStatus(t *models.Ticket, to models.TicketStatus, now time.Time) {
	t.Status = to
	switch to {
	case models.TicketInProgress:
		if t.FiredAt == nil {
			t.FiredAt = &now
		}
	case models.TicketReady:
		t.ReadyAt = &now
	case models.TicketBumped:
		t.BumpedAt = &now
	case models.TicketOpen:
	}
}

// Actor identifies who caused a change
type Actor struct {
	Type string
	ID   string
}

// SystemActor is used for automatic changes
var SystemActor = Actor{Type: models.ActorSystem}

func (a Actor) id() *string {
	if a.ID == "" {
		return nil
	}
	id := a.ID
	return &id
}

// NewEvent builds an audit row for a ticket or item
func NewEvent(establishmentID, ticketID, itemID, eventType string, payload interface{}, actor Actor, now time.Time) models.Event {
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = json.RawMessage("{}")
	}

	e := models.Event{
		EstablishmentID: establishmentID,
		EventType:       eventType,
		Payload:         raw,
		ActorType:       actor.Type,
		ActorID:         actor.id(),
		CreatedAt:       now,
	}
	if ticketID != "" {
		e.TicketID = &ticketID
	}
	if itemID != "" {
		e.TicketItemID = &itemID
	}
	return e
}

// StatusChange is the payload of status events
type StatusChange struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}
