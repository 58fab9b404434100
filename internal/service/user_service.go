package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/domain"
	"github.com/spec-kit/helpdesk-service/internal/repository"
)

const (
	defaultAgentPageSize = 10
	maxAgentPageSize     = 100
)

// UserService serves the user directory.
type UserService struct {
	users  repository.UserRepository
	logger *zap.Logger
}

// UserProfile is the caller's account with its ticket links.
type UserProfile struct {
	User            *domain.User `json:"user"`
	RaisedTickets   []string     `json:"raised_tickets"`
	AssignedTickets []string     `json:"assigned_tickets"`
}

// AgentPage is one page of the agent directory.
type AgentPage struct {
	Items      []domain.User `json:"items"`
	NextOffset *int          `json:"next_offset"`
	Total      int           `json:"total"`
}

// NewUserService constructs the service.
func NewUserService(users repository.UserRepository, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{users: users, logger: logger}
}

// Profile returns the account with raised and assigned ticket ids.
func (s *UserService) Profile(ctx context.Context, userID string) (*UserProfile, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, mapRepositoryError(s.logger, err, "user", userID)
	}
	raised, err := s.users.ListTicketIDs(ctx, userID, domain.RelationRaised)
	if err != nil {
		return nil, mapRepositoryError(s.logger, err, "user", userID)
	}
	assigned, err := s.users.ListTicketIDs(ctx, userID, domain.RelationAssigned)
	if err != nil {
		return nil, mapRepositoryError(s.logger, err, "user", userID)
	}
	return &UserProfile{User: user, RaisedTickets: raised, AssignedTickets: assigned}, nil
}

// ListAgents pages through accounts with role agent.
func (s *UserService) ListAgents(ctx context.Context, limit, offset int) (*AgentPage, error) {
	if limit <= 0 {
		limit = defaultAgentPageSize
	}
	limit = min(limit, maxAgentPageSize)
	offset = max(offset, 0)

	agents, total, err := s.users.ListByRole(ctx, domain.RoleAgent, limit, offset)
	if err != nil {
		return nil, mapRepositoryError(s.logger, err, "user", "")
	}
	page := &AgentPage{Items: agents, Total: total}
	if next := offset + len(agents); next < total {
		page.NextOffset = &next
	}
	return page, nil
}
