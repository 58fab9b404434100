package domain

import (
	"maps"
	"time"
)

// TimelineAction tags an audit entry.
type TimelineAction string

const (
	ActionCreated      TimelineAction = "created"
	ActionUpdated      TimelineAction = "updated"
	ActionCommentAdded TimelineAction = "comment_added"
	ActionSLABreached  TimelineAction = "sla_breached"
)

// TimelineEntry is an append-only audit trail entry. ActorID is nil for system actions.
type TimelineEntry struct {
	ID        string         `json:"id"`
	TicketID  string         `json:"ticket_id"`
	Seq       int64          `json:"seq"`
	Action    TimelineAction `json:"action"`
	ActorID   *string        `json:"actor_id"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone copies the entry including its metadata map.
func (e TimelineEntry) Clone() TimelineEntry {
	out := e
	if e.ActorID != nil {
		actor := *e.ActorID
		out.ActorID = &actor
	}
	if e.Meta != nil {
		out.Meta = maps.Clone(e.Meta)
	}
	return out
}

// FieldChange is the {from, to} delta recorded for a patched field.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}
