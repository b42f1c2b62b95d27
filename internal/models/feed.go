package models

import "time"

// FeedType is the closed set of live feed message kinds
type FeedType string

const (
	FeedNewTicket         FeedType = "new_ticket"
	FeedTicketModified    FeedType = "ticket_modified"
	FeedTicketCanceled    FeedType = "ticket_canceled"
	FeedItemStatusChanged FeedType = "item_status_changed"
	FeedTicketBumped      FeedType = "ticket_bumped"
)

// FeedMessage is one state change pushed to display clients and peer processes.
// Ticket is set for ticket-level types, Item for item_status_changed.
type FeedMessage struct {
	Type            FeedType    `json:"type"`
	EstablishmentID string      `json:"establishment_id"`
	StationID       string      `json:"station_id"`
	TicketID        string      `json:"ticket_id"`
	TicketItemID    string      `json:"ticket_item_id,omitempty"`
	OldStatus       string      `json:"old_status,omitempty"`
	NewStatus       string      `json:"new_status,omitempty"`
	Version         int64       `json:"version"`
	Ticket          *Ticket     `json:"ticket,omitempty"`
	Item            *TicketItem `json:"item,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
	Origin          string      `json:"origin,omitempty"`
}

// Key returns the entity the message is ordered by
func (m FeedMessage) Key() string {
	if m.TicketItemID != "" {
		return m.TicketItemID
	}
	return m.TicketID
}

// Removes reports whether the message takes the ticket off the active board
func (m FeedMessage) Removes() bool {
	return m.Type == FeedTicketBumped || m.Type == FeedTicketCanceled
}

// NewItemMessage builds an item_status_changed message
func NewItemMessage(t *Ticket, item TicketItem, old ItemStatus, at time.Time) FeedMessage {
	it := item.Clone()
	return FeedMessage{
		Type:            FeedItemStatusChanged,
		EstablishmentID: t.EstablishmentID,
		StationID:       t.StationID,
		TicketID:        t.ID,
		TicketItemID:    item.ID,
		OldStatus:       string(old),
		NewStatus:       string(item.Status),
		Version:         item.Version,
		Item:            &it,
		Timestamp:       at,
	}
}

// NewTicketMessage builds a ticket-level message carrying a full ticket snapshot
func NewTicketMessage(typ FeedType, t *Ticket, old TicketStatus, at time.Time) FeedMessage {
	snap := t.Clone()
	msg := FeedMessage{
		Type:            typ,
		EstablishmentID: t.EstablishmentID,
		StationID:       t.StationID,
		TicketID:        t.ID,
		NewStatus:       string(t.Status),
		Version:         t.Version,
		Ticket:          snap,
		Timestamp:       at,
	}
	if old != "" {
		msg.OldStatus = string(old)
	}
	return msg
}
