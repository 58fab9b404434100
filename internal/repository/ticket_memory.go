package repository

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/spec-kit/helpdesk-service/internal/domain"
)

// memoryTicketRepository keeps tickets in process memory. It is used when no Postgres DSN is
// configured and by the service tests. Stored values are never shared with callers.
type memoryTicketRepository struct {
	mu      sync.RWMutex
	tickets map[string]*domain.Ticket
}

// NewMemoryTicketRepository returns an empty in-memory repository.
func NewMemoryTicketRepository() TicketRepository {
	return &memoryTicketRepository{tickets: make(map[string]*domain.Ticket)}
}

func (r *memoryTicketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := range ticket.Comments {
		ticket.Comments[i].TicketID = ticket.ID
		ticket.Comments[i].Seq = int64(i + 1)
	}
	for i := range ticket.Timeline {
		ticket.Timeline[i].TicketID = ticket.ID
		ticket.Timeline[i].Seq = int64(i + 1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tickets[ticket.ID]; exists {
		return ErrVersionConflict
	}
	r.tickets[ticket.ID] = ticket.Clone()
	return nil
}

func (r *memoryTicketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return stored.Clone(), nil
}

func (r *memoryTicketRepository) Save(ctx context.Context, update TicketUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ticket := update.Ticket

	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tickets[ticket.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != update.ExpectedVersion {
		return &ConflictError{Expected: update.ExpectedVersion, Current: stored.Version}
	}

	next := ticket.Clone()
	next.CreatedBy = stored.CreatedBy
	next.CreatedAt = stored.CreatedAt
	next.Version = stored.Version + 1
	next.Comments = slices.Clone(stored.Comments)
	next.Timeline = make([]domain.TimelineEntry, len(stored.Timeline))
	for i := range stored.Timeline {
		next.Timeline[i] = stored.Timeline[i].Clone()
	}

	comments := make([]domain.Comment, len(update.NewComments))
	for i, c := range update.NewComments {
		c.TicketID = ticket.ID
		c.Seq = int64(len(next.Comments) + 1)
		next.Comments = append(next.Comments, c)
		comments[i] = c
	}
	timeline := make([]domain.TimelineEntry, len(update.NewTimeline))
	for i, e := range update.NewTimeline {
		e = e.Clone()
		e.TicketID = ticket.ID
		e.Seq = int64(len(next.Timeline) + 1)
		next.Timeline = append(next.Timeline, e)
		timeline[i] = e.Clone()
	}
	r.tickets[ticket.ID] = next

	ticket.Version = next.Version
	ticket.Comments = append(ticket.Comments, comments...)
	ticket.Timeline = append(ticket.Timeline, timeline...)
	return nil
}

func (r *memoryTicketRepository) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))

	r.mu.RLock()
	matched := make([]*domain.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		if filter.CreatedBy != nil && t.CreatedBy != *filter.CreatedBy {
			continue
		}
		if filter.BreachedOnly && !t.SLABreached {
			continue
		}
		if query != "" && !matchesQuery(t, query) {
			continue
		}
		matched = append(matched, t.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *domain.Ticket) int {
		if a.SLABreached != b.SLABreached {
			if a.SLABreached {
				return -1
			}
			return 1
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	out := []domain.Ticket{}
	for i := filter.Offset; i < len(matched) && len(out) < limit; i++ {
		out = append(out, *matched[i])
	}
	return out, nil
}

func matchesQuery(t *domain.Ticket, query string) bool {
	if strings.Contains(strings.ToLower(t.Title), query) || strings.Contains(strings.ToLower(t.Description), query) {
		return true
	}
	for _, c := range t.Comments {
		if strings.Contains(strings.ToLower(c.Message), query) {
			return true
		}
	}
	return false
}

func (r *memoryTicketRepository) ListBreachCandidates(ctx context.Context, criteria BreachCriteria) ([]domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := []domain.Ticket{}
	for _, t := range r.tickets {
		if breachEligible(t, criteria) {
			out = append(out, *t.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Ticket) int {
		return a.SLADeadline.Compare(b.SLADeadline)
	})
	if criteria.Limit > 0 && len(out) > criteria.Limit {
		out = out[:criteria.Limit]
	}
	return out, nil
}

func (r *memoryTicketRepository) MarkBreached(ctx context.Context, id string, criteria BreachCriteria, entry domain.TimelineEntry) (*domain.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tickets[id]
	if !ok || !breachEligible(stored, criteria) {
		return nil, false, nil
	}

	stored.SLABreached = true
	stored.Version++
	stored.UpdatedAt = criteria.Now
	entry = entry.Clone()
	entry.TicketID = id
	entry.Seq = int64(len(stored.Timeline) + 1)
	stored.Timeline = append(stored.Timeline, entry)

	out := stored.Clone()
	out.Timeline = []domain.TimelineEntry{entry.Clone()}
	return out, true, nil
}

func breachEligible(t *domain.Ticket, criteria BreachCriteria) bool {
	return !t.SLABreached && t.SLAElapsed(criteria.Now) && !slices.Contains(criteria.ExcludedStatuses, t.Status)
}
