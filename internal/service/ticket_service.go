package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/config"
	"github.com/spec-kit/helpdesk-service/internal/domain"
	"github.com/spec-kit/helpdesk-service/internal/events"
	"github.com/spec-kit/helpdesk-service/internal/id"
	"github.com/spec-kit/helpdesk-service/internal/idempotency"
	"github.com/spec-kit/helpdesk-service/internal/repository"
	apperrors "github.com/spec-kit/helpdesk-service/pkg/util/errorutil"
)

// CommentPreviewLength bounds the copy of a comment kept in the timeline.
const CommentPreviewLength = 200

// TicketService coordinates ticket workflows.
type TicketService struct {
	tickets         repository.TicketRepository
	users           repository.UserRepository
	idempotency     idempotency.Store
	publisher       events.Publisher
	logger          *zap.Logger
	now             func() time.Time
	repoTimeout     time.Duration
	defaultSLAHours int
	listDefault     int
	listMax         int
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	TicketRepo  repository.TicketRepository
	UserRepo    repository.UserRepository
	Idempotency idempotency.Store
	Publisher   events.Publisher
	Logger      *zap.Logger
	Clock       func() time.Time
	Config      config.TicketConfig
}

// CreateTicketInput describes ticket creation payload.
type CreateTicketInput struct {
	Title          string
	Description    string
	Priority       domain.TicketPriority
	SLAHours       *int
	IdempotencyKey string
}

// CreateTicketResult carries the serialized response so replays are byte-identical.
type CreateTicketResult struct {
	Ticket   *domain.Ticket
	Body     []byte
	Replayed bool
}

// CreateTicketResponse is the envelope recorded under an idempotency key.
type CreateTicketResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Ticket *domain.Ticket `json:"ticket"`
	} `json:"data"`
}

// PatchTicketInput lists the mutable fields. Nil means untouched.
type PatchTicketInput struct {
	Status     *domain.TicketStatus
	AssignedTo *string
	Priority   *domain.TicketPriority
	SLAHours   *int
}

// ListTicketsInput describes list parameters.
type ListTicketsInput struct {
	Query        string
	BreachedOnly bool
	Limit        int
	Offset       int
}

// TicketPage is one page of a ticket listing. NextOffset is nil at the end of the result set.
type TicketPage struct {
	Items      []domain.Ticket `json:"items"`
	NextOffset *int            `json:"next_offset"`
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg := deps.Config
	if cfg.DefaultSLAHours <= 0 {
		cfg.DefaultSLAHours = domain.DefaultSLAHours
	}
	if cfg.ListDefaultLimit <= 0 {
		cfg.ListDefaultLimit = 20
	}
	if cfg.ListMaxLimit <= 0 {
		cfg.ListMaxLimit = 100
	}
	return &TicketService{
		tickets:         deps.TicketRepo,
		users:           deps.UserRepo,
		idempotency:     deps.Idempotency,
		publisher:       deps.Publisher,
		logger:          logger,
		now:             clock,
		repoTimeout:     cfg.RepositoryTimeout(),
		defaultSLAHours: cfg.DefaultSLAHours,
		listDefault:     cfg.ListDefaultLimit,
		listMax:         cfg.ListMaxLimit,
	}
}

// ParseExpectedVersion reads an If-Match value such as `3`, `"3"` or `W/"3"`.
func ParseExpectedVersion(raw string) (int64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, apperrors.NewValidationError("If-Match header (ticket version) required", map[string]any{"field": "if-match"})
	}
	value = strings.TrimPrefix(value, "W/")
	value = strings.Trim(value, `"`)
	version, err := strconv.ParseInt(value, 10, 64)
	if err != nil || version < 0 {
		return 0, apperrors.NewValidationError("invalid If-Match header", map[string]any{"field": "if-match"})
	}
	return version, nil
}

// CreateTicket creates a ticket for the acting identity, or replays the response recorded
// for the idempotency key.
func (s *TicketService) CreateTicket(ctx context.Context, actor domain.Identity, input CreateTicketInput) (*CreateTicketResult, error) {
	key := strings.TrimSpace(input.IdempotencyKey)
	if body, ok := s.lookupReplay(ctx, key); ok {
		return &CreateTicketResult{Body: body, Replayed: true}, nil
	}

	title := strings.TrimSpace(input.Title)
	description := strings.TrimSpace(input.Description)
	missing := []string{}
	if title == "" {
		missing = append(missing, "title")
	}
	if description == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return nil, apperrors.NewValidationError("title and description are required", map[string]any{"fields": missing})
	}
	priority := input.Priority
	if priority == "" {
		priority = domain.TicketPriorityMedium
	}
	if !priority.Valid() {
		return nil, apperrors.NewValidationError("invalid priority", map[string]any{"field": "priority"})
	}
	slaHours := s.defaultSLAHours
	if input.SLAHours != nil {
		if !domain.ValidSLAHours(*input.SLAHours) {
			return nil, slaHoursError()
		}
		slaHours = *input.SLAHours
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.users.GetByID(opCtx, actor.ID); err != nil {
		return nil, s.repoError(err, "user", actor.ID)
	}

	now := s.now()
	actorID := actor.ID
	ticket := &domain.Ticket{
		ID:          id.NewTicketID(),
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      domain.TicketStatusOpen,
		CreatedBy:   actor.ID,
		SLAHours:    slaHours,
		Comments:    []domain.Comment{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ticket.ResetSLA(now)
	ticket.Timeline = []domain.TimelineEntry{{
		ID:        id.New(),
		Action:    domain.ActionCreated,
		ActorID:   &actorID,
		Meta:      map[string]any{"priority": priority},
		CreatedAt: now,
	}}

	if err := s.tickets.Create(opCtx, ticket); err != nil {
		return nil, s.repoError(err, "ticket", ticket.ID)
	}
	s.linkTicket(opCtx, actor.ID, ticket.ID, domain.RelationRaised)

	s.publish(ctx, events.Event{
		Type:          events.EventTicketCreated,
		TicketID:      ticket.ID,
		TicketVersion: ticket.Version,
		OwnerID:       ticket.CreatedBy,
		ActorID:       &actorID,
		Timestamp:     now,
		Payload:       ticket.Clone(),
	})

	var response CreateTicketResponse
	response.Success = true
	response.Message = "Ticket created successfully"
	response.Data.Ticket = ticket
	body, err := json.Marshal(response)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	s.recordReplay(ctx, key, body)

	return &CreateTicketResult{Ticket: ticket, Body: body}, nil
}

// PatchTicket applies field changes under the optimistic version check.
func (s *TicketService) PatchTicket(ctx context.Context, actor domain.Identity, ticketID string, expectedVersion int64, patch PatchTicketInput) (*domain.Ticket, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	ticket, err := s.tickets.GetByID(opCtx, ticketID)
	if err != nil {
		return nil, s.repoError(err, "ticket", ticketID)
	}
	if ticket.Version != expectedVersion {
		return nil, apperrors.NewVersionConflict(expectedVersion, ticket.Version)
	}
	if !actor.CanSeeTicket(ticket) {
		return nil, apperrors.NewForbidden("access denied")
	}
	if patch.AssignedTo != nil && !actor.Role.IsStaff() {
		return nil, apperrors.NewForbidden("only agents and admins can assign tickets")
	}

	now := s.now()
	changes := map[string]any{}
	var assignee *domain.User

	if patch.Status != nil && *patch.Status != ticket.Status {
		changes["status"] = domain.FieldChange{From: ticket.Status, To: *patch.Status}
		ticket.Status = *patch.Status
	}
	if patch.AssignedTo != nil && (ticket.AssignedTo == nil || *ticket.AssignedTo != *patch.AssignedTo) {
		assignee, err = s.users.GetByID(opCtx, *patch.AssignedTo)
		if err != nil {
			return nil, s.repoError(err, "assignee", *patch.AssignedTo)
		}
		if !assignee.Role.IsStaff() {
			return nil, apperrors.NewValidationError("tickets can only be assigned to agents or admins", map[string]any{"field": "assignedTo"})
		}
		var from any
		if ticket.AssignedTo != nil {
			from = *ticket.AssignedTo
		}
		changes["assignedTo"] = domain.FieldChange{From: from, To: assignee.ID}
		assigned := assignee.ID
		ticket.AssignedTo = &assigned
	}
	if patch.Priority != nil && *patch.Priority != ticket.Priority {
		changes["priority"] = domain.FieldChange{From: ticket.Priority, To: *patch.Priority}
		ticket.Priority = *patch.Priority
	}
	if patch.SLAHours != nil && *patch.SLAHours != ticket.SLAHours {
		changes["slaHours"] = domain.FieldChange{From: ticket.SLAHours, To: *patch.SLAHours}
		ticket.SLAHours = *patch.SLAHours
		ticket.ResetSLA(now)
	}
	if len(changes) == 0 {
		return nil, apperrors.NewNoChanges("patch does not change any field")
	}

	actorID := actor.ID
	ticket.UpdatedAt = now
	update := repository.TicketUpdate{
		Ticket:          ticket,
		ExpectedVersion: expectedVersion,
		NewTimeline: []domain.TimelineEntry{{
			ID:        id.New(),
			Action:    domain.ActionUpdated,
			ActorID:   &actorID,
			Meta:      changes,
			CreatedAt: now,
		}},
	}
	if err := s.tickets.Save(opCtx, update); err != nil {
		return nil, s.repoError(err, "ticket", ticketID)
	}
	if assignee != nil {
		s.linkTicket(opCtx, assignee.ID, ticket.ID, domain.RelationAssigned)
	}

	s.publish(ctx, events.Event{
		Type:          events.EventTicketUpdated,
		TicketID:      ticket.ID,
		TicketVersion: ticket.Version,
		OwnerID:       ticket.CreatedBy,
		ActorID:       &actorID,
		Timestamp:     now,
		Payload:       ticket.Clone(),
	})
	return ticket, nil
}

// AddComment appends a comment. Role user may only comment on tickets it created.
func (s *TicketService) AddComment(ctx context.Context, actor domain.Identity, ticketID, message string) (*domain.Comment, error) {
	if strings.TrimSpace(message) == "" {
		return nil, apperrors.NewValidationError("message is required", map[string]any{"field": "message"})
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	ticket, err := s.tickets.GetByID(opCtx, ticketID)
	if err != nil {
		return nil, s.repoError(err, "ticket", ticketID)
	}
	if !actor.CanSeeTicket(ticket) {
		return nil, apperrors.NewForbidden("access denied")
	}

	now := s.now()
	actorID := actor.ID
	comment := domain.Comment{
		ID:        id.New(),
		AuthorID:  actor.ID,
		Message:   message,
		CreatedAt: now,
	}
	ticket.UpdatedAt = now
	update := repository.TicketUpdate{
		Ticket:          ticket,
		ExpectedVersion: ticket.Version,
		NewComments:     []domain.Comment{comment},
		NewTimeline: []domain.TimelineEntry{{
			ID:        id.New(),
			Action:    domain.ActionCommentAdded,
			ActorID:   &actorID,
			Meta:      map[string]any{"message": truncate(message, CommentPreviewLength)},
			CreatedAt: now,
		}},
	}
	if err := s.tickets.Save(opCtx, update); err != nil {
		return nil, s.repoError(err, "ticket", ticketID)
	}
	created := ticket.Comments[len(ticket.Comments)-1]

	s.publish(ctx, events.Event{
		Type:          events.EventTicketComment,
		TicketID:      ticket.ID,
		TicketVersion: ticket.Version,
		OwnerID:       ticket.CreatedBy,
		ActorID:       &actorID,
		Timestamp:     now,
		Payload:       events.TicketCommentPayload{TicketID: ticket.ID, Comment: created},
	})
	return &created, nil
}

// ListTickets returns a page of visible tickets, breached first then newest first.
func (s *TicketService) ListTickets(ctx context.Context, actor domain.Identity, input ListTicketsInput) (*TicketPage, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = s.listDefault
	}
	limit = min(limit, s.listMax)
	offset := max(input.Offset, 0)

	filter := repository.TicketFilter{
		Query:        strings.TrimSpace(input.Query),
		BreachedOnly: input.BreachedOnly,
		Limit:        limit,
		Offset:       offset,
	}
	if !actor.Role.IsStaff() {
		owner := actor.ID
		filter.CreatedBy = &owner
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	items, err := s.tickets.List(opCtx, filter)
	if err != nil {
		return nil, s.repoError(err, "ticket", "")
	}
	page := &TicketPage{Items: items}
	if len(items) >= limit {
		next := offset + len(items)
		page.NextOffset = &next
	}
	return page, nil
}

// GetTicket returns the full ticket including comments and timeline.
func (s *TicketService) GetTicket(ctx context.Context, actor domain.Identity, ticketID string) (*domain.Ticket, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	ticket, err := s.tickets.GetByID(opCtx, ticketID)
	if err != nil {
		return nil, s.repoError(err, "ticket", ticketID)
	}
	if !actor.CanSeeTicket(ticket) {
		return nil, apperrors.NewForbidden("access denied")
	}
	return ticket, nil
}

func validatePatch(patch PatchTicketInput) error {
	if patch.Status != nil && !patch.Status.Valid() {
		return apperrors.NewValidationError("invalid status", map[string]any{"field": "status"})
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return apperrors.NewValidationError("invalid priority", map[string]any{"field": "priority"})
	}
	if patch.SLAHours != nil && !domain.ValidSLAHours(*patch.SLAHours) {
		return slaHoursError()
	}
	if patch.AssignedTo != nil && strings.TrimSpace(*patch.AssignedTo) == "" {
		return apperrors.NewValidationError("assignedTo must reference a user", map[string]any{"field": "assignedTo"})
	}
	return nil
}

func slaHoursError() error {
	return apperrors.NewValidationError(
		fmt.Sprintf("slaHours must be an integer between 1 and %d", domain.MaxSLAHours),
		map[string]any{"field": "slaHours", "max": domain.MaxSLAHours})
}

func (s *TicketService) lookupReplay(ctx context.Context, key string) ([]byte, bool) {
	if key == "" || s.idempotency == nil {
		return nil, false
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	body, ok, err := s.idempotency.Lookup(opCtx, key)
	if err != nil {
		s.logger.Warn("idempotency lookup failed; proceeding without replay",
			zap.String("idempotency_key", key), zap.Error(err))
		return nil, false
	}
	return body, ok
}

func (s *TicketService) recordReplay(ctx context.Context, key string, body []byte) {
	if key == "" || s.idempotency == nil {
		return
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	err := s.idempotency.Save(opCtx, key, body)
	switch {
	case err == nil, errors.Is(err, idempotency.ErrDuplicateKey):
	default:
		s.logger.Error("idempotency record failed; a retry may create a duplicate",
			zap.String("idempotency_key", key), zap.Error(err))
	}
}

func (s *TicketService) linkTicket(ctx context.Context, userID, ticketID string, relation domain.TicketRelation) {
	if err := s.users.LinkTicket(ctx, userID, ticketID, relation); err != nil {
		s.logger.Warn("user ticket link failed",
			zap.String("user_id", userID),
			zap.String("ticket_id", ticketID),
			zap.String("relation", string(relation)),
			zap.Error(err))
	}
}

func (s *TicketService) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID),
			zap.Error(err))
	}
}

func (s *TicketService) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withRepoTimeout(ctx, s.repoTimeout)
}

func (s *TicketService) repoError(err error, resource, id string) error {
	return mapRepositoryError(s.logger, err, resource, id)
}

func withRepoTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func mapRepositoryError(logger *zap.Logger, err error, resource, id string) error {
	var conflict *repository.ConflictError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NewNotFound(resource, map[string]any{"id": id})
	case errors.As(err, &conflict):
		return apperrors.NewVersionConflict(conflict.Expected, conflict.Current)
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error("repository call timed out", zap.String("resource", resource), zap.String("id", id))
		return apperrors.NewInternalError(err)
	default:
		logger.Error("repository call failed", zap.String("resource", resource), zap.String("id", id), zap.Error(err))
		return apperrors.NewInternalError(err)
	}
}

func truncate(message string, limit int) string {
	runes := []rune(message)
	if len(runes) <= limit {
		return message
	}
	return string(runes[:limit])
}
