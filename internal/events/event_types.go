package events

import (
	"time"

	"github.com/spec-kit/helpdesk-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated     EventType = "ticket:created"
	EventTicketUpdated     EventType = "ticket:updated"
	EventTicketComment     EventType = "ticket:comment"
	EventTicketSLABreached EventType = "ticket:slaBreached"
)

// Event represents a ticket state change broadcast to observers.
//
// TicketVersion is the ticket version after the mutation; the dispatcher uses it to keep
// per-ticket delivery in order. OwnerID is the ticket creator and never leaves the process.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	TicketID      string    `json:"ticket_id"`
	TicketVersion int64     `json:"ticket_version"`
	OwnerID       string    `json:"-"`
	ActorID       *string   `json:"actor_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload"`
}

// TicketCommentPayload payload.
type TicketCommentPayload struct {
	TicketID string         `json:"ticketId"`
	Comment  domain.Comment `json:"comment"`
}

// TicketSLABreachedPayload payload.
type TicketSLABreachedPayload struct {
	TicketID   string    `json:"ticketId"`
	Title      string    `json:"title"`
	BreachedAt time.Time `json:"breachedAt"`
}
