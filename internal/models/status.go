package models

import "fmt"

// ItemStatus is the kitchen lifecycle state of a ticket item
type ItemStatus string

// TicketStatus is the derived lifecycle state of a ticket
type TicketStatus string

// Item statuses
const (
	ItemPending  ItemStatus = "PENDING"
	ItemCooking  ItemStatus = "COOKING"
	ItemDone     ItemStatus = "DONE"
	ItemExpo     ItemStatus = "EXPO"
	ItemServed   ItemStatus = "SERVED"
	ItemHold     ItemStatus = "HOLD"
	ItemCanceled ItemStatus = "CANCELED"
)

// Ticket statuses
const (
	TicketOpen       TicketStatus = "OPEN"
	TicketInProgress TicketStatus = "IN_PROGRESS"
	TicketReady      TicketStatus = "READY"
	TicketBumped     TicketStatus = "BUMPED"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending: {ItemCooking, ItemHold, ItemCanceled},
	ItemCooking: {ItemDone, ItemHold, ItemCanceled},
	ItemHold:    {ItemPending},
	ItemDone:    {ItemExpo},
	ItemExpo:    {ItemServed},
}

// ParseItemStatus validates a status string from the wire
func ParseItemStatus(s string) (ItemStatus, error) {
	switch st := ItemStatus(s); st {
	case ItemPending, ItemCooking, ItemDone, ItemExpo, ItemServed, ItemHold, ItemCanceled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown item status %q", ErrValidation, s)
}

// ParseTicketStatus validates a ticket status string from the wire
func ParseTicketStatus(s string) (TicketStatus, error) {
	switch st := TicketStatus(s); st {
	case TicketOpen, TicketInProgress, TicketReady, TicketBumped:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown ticket status %q", ErrValidation, s)
}

// CanTransition reports whether the item graph has an edge from -> to
func (from ItemStatus) CanTransition(to ItemStatus) bool {
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s ItemStatus) Terminal() bool {
	return s == ItemServed || s == ItemCanceled
}

// Finished reports whether cooking is over (DONE or later on the main path)
func (s ItemStatus) Finished() bool {
	return s == ItemDone || s == ItemExpo || s == ItemServed
}

// Started reports whether the item has been fired on the line
func (s ItemStatus) Started() bool {
	return s == ItemCooking || s.Finished()
}

// Active reports whether the ticket should still be on a station screen
func (s TicketStatus) Active() bool {
	return s != TicketBumped
}
