package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in-progress"
	TicketStatusResolved   TicketStatus = "resolved"
	TicketStatusClosed     TicketStatus = "closed"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusOpen, TicketStatusInProgress, TicketStatusResolved, TicketStatusClosed:
		return true
	}
	return false
}

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "low"
	TicketPriorityMedium TicketPriority = "medium"
	TicketPriorityHigh   TicketPriority = "high"
	TicketPriorityUrgent TicketPriority = "urgent"
)

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	switch p {
	case TicketPriorityLow, TicketPriorityMedium, TicketPriorityHigh, TicketPriorityUrgent:
		return true
	}
	return false
}

// DefaultSLAHours applies when a ticket is created without an explicit SLA.
const DefaultSLAHours = 24

// MaxSLAHours caps the SLA window at ten years so the deadline stays representable.
const MaxSLAHours = 8760 * 10

// ValidSLAHours reports whether hours is an acceptable SLA window.
func ValidSLAHours(hours int) bool {
	return hours > 0 && hours <= MaxSLAHours
}

// Ticket is the aggregate for support requests.
//
// Version is the optimistic-lock counter: it starts at 0 and grows by exactly one per
// successful save. Comments and Timeline are loaded from their side tables in seq order.
type Ticket struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    TicketPriority  `json:"priority"`
	Status      TicketStatus    `json:"status"`
	CreatedBy   string          `json:"created_by"`
	AssignedTo  *string         `json:"assigned_to"`
	SLAHours    int             `json:"sla_hours"`
	SLADeadline time.Time       `json:"sla_deadline"`
	SLABreached bool            `json:"sla_breached"`
	Version     int64           `json:"version"`
	Comments    []Comment       `json:"comments"`
	Timeline    []TimelineEntry `json:"timeline"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ResetSLA recomputes the deadline from now and clears the breach flag.
// Called on creation and whenever SLAHours changes.
func (t *Ticket) ResetSLA(now time.Time) {
	hours := t.SLAHours
	if hours <= 0 {
		hours = DefaultSLAHours
	}
	t.SLADeadline = now.Add(time.Duration(hours) * time.Hour)
	t.SLABreached = false
}

// SLAElapsed reports whether the deadline has passed at now.
func (t *Ticket) SLAElapsed(now time.Time) bool {
	return !t.SLADeadline.After(now)
}

// Clone returns a deep copy safe to hand across goroutines.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	out := *t
	if t.AssignedTo != nil {
		assignee := *t.AssignedTo
		out.AssignedTo = &assignee
	}
	if t.Comments != nil {
		out.Comments = append([]Comment(nil), t.Comments...)
	}
	if t.Timeline != nil {
		out.Timeline = make([]TimelineEntry, len(t.Timeline))
		for i := range t.Timeline {
			out.Timeline[i] = t.Timeline[i].Clone()
		}
	}
	return &out
}
