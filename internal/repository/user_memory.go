package repository

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/spec-kit/helpdesk-service/internal/domain"
)

type userLink struct {
	ticketID string
	relation domain.TicketRelation
}

type memoryUserRepository struct {
	mu      sync.RWMutex
	users   map[string]domain.User
	byEmail map[string]string
	links   map[string][]userLink
}

// NewMemoryUserRepository returns an empty in-memory user directory.
func NewMemoryUserRepository() UserRepository {
	return &memoryUserRepository{
		users:   make(map[string]domain.User),
		byEmail: make(map[string]string),
		links:   make(map[string][]userLink),
	}
}

func (r *memoryUserRepository) Create(ctx context.Context, user *domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	email := strings.ToLower(user.Email)
	if _, taken := r.byEmail[email]; taken {
		return ErrDuplicateEmail
	}
	r.users[user.ID] = *user
	r.byEmail[email] = user.ID
	return nil
}

func (r *memoryUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (r *memoryUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	user := r.users[id]
	return &user, nil
}

func (r *memoryUserRepository) ListByRole(ctx context.Context, role domain.Role, limit, offset int) ([]domain.User, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	r.mu.RLock()
	matched := []domain.User{}
	for _, u := range r.users {
		if u.Role == role {
			matched = append(matched, u)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(matched, func(a, b domain.User) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	total := len(matched)
	if offset >= total {
		return []domain.User{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (r *memoryUserRepository) LinkTicket(ctx context.Context, userID, ticketID string, relation domain.TicketRelation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[userID]; !ok {
		return ErrNotFound
	}
	link := userLink{ticketID: ticketID, relation: relation}
	if !slices.Contains(r.links[userID], link) {
		r.links[userID] = append(r.links[userID], link)
	}
	return nil
}

func (r *memoryUserRepository) ListTicketIDs(ctx context.Context, userID string, relation domain.TicketRelation) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := []string{}
	for _, link := range r.links[userID] {
		if link.relation == relation {
			ids = append(ids, link.ticketID)
		}
	}
	return ids, nil
}
