package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/config"
	"github.com/spec-kit/helpdesk-service/internal/domain"
	"github.com/spec-kit/helpdesk-service/internal/events"
	"github.com/spec-kit/helpdesk-service/internal/id"
	"github.com/spec-kit/helpdesk-service/internal/repository"
)

// SLAService detects tickets whose SLA deadline elapsed and marks them breached.
// It is the only writer that sets sla_breached.
type SLAService struct {
	tickets     repository.TicketRepository
	publisher   events.Publisher
	logger      *zap.Logger
	now         func() time.Time
	excluded    []domain.TicketStatus
	batchSize   int
	repoTimeout time.Duration
}

// SLADependencies bundles collaborators for the sweeper.
type SLADependencies struct {
	TicketRepo    repository.TicketRepository
	Publisher     events.Publisher
	Logger        *zap.Logger
	Clock         func() time.Time
	Config        config.SLAConfig
	TicketsConfig config.TicketConfig
}

// SweepResult summarizes one sweep cycle.
type SweepResult struct {
	Candidates int
	Breached   int
	Failed     int
}

// NewSLAService constructs the service.
func NewSLAService(deps SLADependencies) *SLAService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	excluded := make([]domain.TicketStatus, 0, len(deps.Config.ExcludedStatuses))
	for _, status := range deps.Config.ExcludedStatuses {
		excluded = append(excluded, domain.TicketStatus(status))
	}
	return &SLAService{
		tickets:     deps.TicketRepo,
		publisher:   deps.Publisher,
		logger:      logger,
		now:         clock,
		excluded:    excluded,
		batchSize:   deps.Config.SweepBatchSize,
		repoTimeout: deps.TicketsConfig.RepositoryTimeout(),
	}
}

// Sweep runs one cycle. Only a failure to list candidates is returned; a ticket that cannot be
// marked is logged and left for the next cycle.
func (s *SLAService) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	criteria := repository.BreachCriteria{Now: now, ExcludedStatuses: s.excluded, Limit: s.batchSize}

	listCtx, cancel := withRepoTimeout(ctx, s.repoTimeout)
	candidates, err := s.tickets.ListBreachCandidates(listCtx, criteria)
	cancel()
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Candidates: len(candidates)}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		marked, err := s.markOne(ctx, candidate.ID, criteria)
		if err != nil {
			result.Failed++
			s.logger.Warn("sla breach update failed", zap.String("ticket_id", candidate.ID), zap.Error(err))
			continue
		}
		if marked {
			result.Breached++
		}
	}
	if result.Breached > 0 || result.Failed > 0 {
		s.logger.Info("sla sweep completed",
			zap.Int("candidates", result.Candidates),
			zap.Int("breached", result.Breached),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (s *SLAService) markOne(ctx context.Context, ticketID string, criteria repository.BreachCriteria) (bool, error) {
	opCtx, cancel := withRepoTimeout(ctx, s.repoTimeout)
	defer cancel()

	entry := domain.TimelineEntry{
		ID:        id.New(),
		Action:    domain.ActionSLABreached,
		Meta:      map[string]any{"timestamp": criteria.Now},
		CreatedAt: criteria.Now,
	}
	ticket, marked, err := s.tickets.MarkBreached(opCtx, ticketID, criteria, entry)
	if err != nil || !marked {
		return false, err
	}

	if s.publisher != nil {
		event := events.Event{
			Type:          events.EventTicketSLABreached,
			TicketID:      ticket.ID,
			TicketVersion: ticket.Version,
			OwnerID:       ticket.CreatedBy,
			Timestamp:     criteria.Now,
			Payload: events.TicketSLABreachedPayload{
				TicketID:   ticket.ID,
				Title:      ticket.Title,
				BreachedAt: criteria.Now,
			},
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("event publish failed",
				zap.String("event_type", string(event.Type)),
				zap.String("ticket_id", ticket.ID),
				zap.Error(err))
		}
	}
	return true, nil
}
