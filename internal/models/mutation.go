package models

// Mutation is everything one state change writes, committed atomically.
// Updated rows carry their new Version; the store only applies them when the
// stored version is exactly Version-1, otherwise the whole mutation fails with ErrConflict.
type Mutation struct {
	InsertTickets []Ticket
	UpdateTickets []Ticket
	InsertItems   []TicketItem
	UpdateItems   []TicketItem
	Events        []Event
	PrintJobs     []PrintJob

	// Feed is published after a successful commit and never persisted
	Feed []FeedMessage
}

// Empty reports whether the mutation writes nothing
func (m *Mutation) Empty() bool {
	return len(m.InsertTickets) == 0 && len(m.UpdateTickets) == 0 &&
		len(m.InsertItems) == 0 && len(m.UpdateItems) == 0 &&
		len(m.Events) == 0 && len(m.PrintJobs) == 0
}

// Merge appends other into m
func (m *Mutation) Merge(other *Mutation) {
	m.InsertTickets = append(m.InsertTickets, other.InsertTickets...)
	m.UpdateTickets = append(m.UpdateTickets, other.UpdateTickets...)
	m.InsertItems = append(m.InsertItems, other.InsertItems...)
	m.UpdateItems = append(m.UpdateItems, other.UpdateItems...)
	m.Events = append(m.Events, other.Events...)
	m.PrintJobs = append(m.PrintJobs, other.PrintJobs...)
	m.Feed = append(m.Feed, other.Feed...)
}

// TicketFilter narrows snapshot queries
type TicketFilter struct {
	EstablishmentID string
	StationID       string
	Statuses        []TicketStatus
	CheckID         string
	OrderID         string
	IncludeBumped   bool
}
