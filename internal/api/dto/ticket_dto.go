package dto

import (
	"github.com/spec-kit/helpdesk-service/internal/domain"
)

// CreateTicketRequest is the POST /api/tickets body.
type CreateTicketRequest struct {
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Priority    domain.TicketPriority `json:"priority"`
	SLAHours    *int                  `json:"slaHours"`
}

// PatchTicketRequest is the PATCH /api/tickets/:id body. Absent fields are left untouched.
type PatchTicketRequest struct {
	Status     *domain.TicketStatus   `json:"status"`
	AssignedTo *string                `json:"assignedTo"`
	Priority   *domain.TicketPriority `json:"priority"`
	SLAHours   *int                   `json:"slaHours"`
}

// AddCommentRequest is the POST /api/tickets/:id/comments body.
type AddCommentRequest struct {
	Message string `json:"message"`
}

// TicketResponse wraps a single ticket.
type TicketResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    TicketEnvelope `json:"data"`
}

// TicketEnvelope is the data member of TicketResponse.
type TicketEnvelope struct {
	Ticket *domain.Ticket `json:"ticket"`
}

// TicketListResponse is a page of tickets.
type TicketListResponse struct {
	Success    bool            `json:"success"`
	Items      []domain.Ticket `json:"items"`
	NextOffset *int            `json:"next_offset"`
}

// CommentResponse wraps a newly added comment.
type CommentResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    CommentEnvelope `json:"data"`
}

// CommentEnvelope is the data member of CommentResponse.
type CommentEnvelope struct {
	Comment *domain.Comment `json:"comment"`
}
