package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/helpdesk-service/internal/api/dto"
	"github.com/spec-kit/helpdesk-service/internal/auth"
	"github.com/spec-kit/helpdesk-service/internal/domain"
	"github.com/spec-kit/helpdesk-service/internal/service"
	apperrors "github.com/spec-kit/helpdesk-service/pkg/util/errorutil"
)

// IdempotencyKeyHeader names the client-chosen retry key on create requests.
const IdempotencyKeyHeader = "Idempotency-Key"

// TicketsHandler exposes the ticket lifecycle endpoints.
type TicketsHandler struct {
	service *service.TicketService
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService) *TicketsHandler {
	return &TicketsHandler{service: ticketService}
}

// CreateTicket POST /api/tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("user required")
	}
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	result, err := h.service.CreateTicket(c.UserContext(), principal.Identity(), service.CreateTicketInput{
		Title:          req.Title,
		Description:    req.Description,
		Priority:       req.Priority,
		SLAHours:       req.SLAHours,
		IdempotencyKey: c.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if result.Replayed {
		status = fiber.StatusOK
	} else {
		setETag(c, result.Ticket.Version)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(status).Send(result.Body)
}

// ListTickets GET /api/tickets.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("user required")
	}
	page, err := h.service.ListTickets(c.UserContext(), principal.Identity(), service.ListTicketsInput{
		Query:        c.Query("q"),
		BreachedOnly: c.QueryBool("breached", false),
		Limit:        parseInt(c.Query("limit"), 0),
		Offset:       parseInt(c.Query("offset"), 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(dto.TicketListResponse{Success: true, Items: page.Items, NextOffset: page.NextOffset})
}

// GetTicket GET /api/tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("user required")
	}
	ticket, err := h.service.GetTicket(c.UserContext(), principal.Identity(), c.Params("id"))
	if err != nil {
		return err
	}
	setETag(c, ticket.Version)
	return c.JSON(dto.TicketResponse{Success: true, Data: dto.TicketEnvelope{Ticket: ticket}})
}

// PatchTicket PATCH /api/tickets/:id. The If-Match header carries the expected version.
func (h *TicketsHandler) PatchTicket(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("user required")
	}
	expected, err := service.ParseExpectedVersion(c.Get(fiber.HeaderIfMatch))
	if err != nil {
		return err
	}
	var req dto.PatchTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	ticket, err := h.service.PatchTicket(c.UserContext(), principal.Identity(), c.Params("id"), expected, service.PatchTicketInput{
		Status:     req.Status,
		AssignedTo: req.AssignedTo,
		Priority:   req.Priority,
		SLAHours:   req.SLAHours,
	})
	if err != nil {
		return err
	}
	setETag(c, ticket.Version)
	return c.JSON(dto.TicketResponse{Success: true, Message: "Ticket updated", Data: dto.TicketEnvelope{Ticket: ticket}})
}

// AddComment POST /api/tickets/:id/comments.
func (h *TicketsHandler) AddComment(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("user required")
	}
	var req dto.AddCommentRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	comment, err := h.service.AddComment(c.UserContext(), principal.Identity(), c.Params("id"), req.Message)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(dto.CommentResponse{
		Success: true,
		Message: "Comment added",
		Data:    dto.CommentEnvelope{Comment: comment},
	})
}

func setETag(c *fiber.Ctx, version int64) {
	c.Set(fiber.HeaderETag, strconv.Quote(strconv.FormatInt(version, 10)))
}

func parseInt(val string, def int) int {
	val = strings.TrimSpace(val)
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return parsed
}

func identityOf(c *fiber.Ctx) (domain.Identity, bool) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return domain.Identity{}, false
	}
	return principal.Identity(), true
}
