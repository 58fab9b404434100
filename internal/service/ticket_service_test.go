package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/helpdesk-service/internal/config"
	"github.com/spec-kit/helpdesk-service/internal/domain"
	"github.com/spec-kit/helpdesk-service/internal/events"
	"github.com/spec-kit/helpdesk-service/internal/idempotency"
	"github.com/spec-kit/helpdesk-service/internal/repository"
	apperrors "github.com/spec-kit/helpdesk-service/pkg/util/errorutil"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	tickets    repository.TicketRepository
	users      repository.UserRepository
	store      *idempotency.MemoryStore
	dispatcher events.Dispatcher
	observer   *events.Observer
	clock      *testClock
	svc        *TicketService
	sla        *SLAService

	user  domain.Identity
	other domain.Identity
	agent domain.Identity
	admin domain.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tickets:    repository.NewMemoryTicketRepository(),
		users:      repository.NewMemoryUserRepository(),
		dispatcher: events.NewInMemoryDispatcher(zap.NewNop()),
		clock:      &testClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
	}
	f.store = idempotency.NewMemoryStore(idempotency.DefaultTTL, f.clock.Now)
	f.observer = f.dispatcher.Attach(256, nil)
	t.Cleanup(f.dispatcher.Close)

	f.user = f.seedUser(t, "user-1", domain.RoleUser)
	f.other = f.seedUser(t, "user-2", domain.RoleUser)
	f.agent = f.seedUser(t, "agent-1", domain.RoleAgent)
	f.admin = f.seedUser(t, "admin-1", domain.RoleAdmin)

	f.svc = NewTicketService(TicketDependencies{
		TicketRepo:  f.tickets,
		UserRepo:    f.users,
		Idempotency: f.store,
		Publisher:   f.dispatcher,
		Clock:       f.clock.Now,
		Config:      config.TicketConfig{DefaultSLAHours: 24, RepositoryTimeoutSeconds: 5, ListDefaultLimit: 20, ListMaxLimit: 100},
	})
	f.sla = NewSLAService(SLADependencies{
		TicketRepo: f.tickets,
		Publisher:  f.dispatcher,
		Clock:      f.clock.Now,
		Config:     config.SLAConfig{ExcludedStatuses: []string{"resolved"}, SweepBatchSize: 100},
	})
	return f
}

func (f *fixture) seedUser(t *testing.T, id string, role domain.Role) domain.Identity {
	t.Helper()
	user := &domain.User{ID: id, FullName: id, Email: id + "@example.com", Role: role, Status: domain.UserStatusActive, CreatedAt: f.clock.Now()}
	require.NoError(t, f.users.Create(context.Background(), user))
	return user.Identity()
}

func (f *fixture) create(t *testing.T, actor domain.Identity, title string, slaHours *int) *domain.Ticket {
	t.Helper()
	res, err := f.svc.CreateTicket(context.Background(), actor, CreateTicketInput{
		Title:       title,
		Description: "details for " + title,
		SLAHours:    slaHours,
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	return res.Ticket
}

func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-f.observer.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ptr[T any](v T) *T { return &v }

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, code), "expected %s, got %v", code, err)
}

func TestCreateTicketComputesSLAAndTimeline(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t, f.user, "VPN down", ptr(2))

	assert.NotEmpty(t, ticket.ID)
	assert.Equal(t, domain.TicketStatusOpen, ticket.Status)
	assert.Equal(t, domain.TicketPriorityMedium, ticket.Priority)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), ticket.SLADeadline)
	assert.False(t, ticket.SLABreached)
	assert.EqualValues(t, 0, ticket.Version)
	require.Len(t, ticket.Timeline, 1)
	assert.Equal(t, domain.ActionCreated, ticket.Timeline[0].Action)
	assert.Equal(t, f.user.ID, *ticket.Timeline[0].ActorID)

	raised, err := f.users.ListTicketIDs(context.Background(), f.user.ID, domain.RelationRaised)
	require.NoError(t, err)
	assert.Equal(t, []string{ticket.ID}, raised)

	evs := f.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventTicketCreated, evs[0].Type)
	payload, ok := evs[0].Payload.(*domain.Ticket)
	require.True(t, ok)
	assert.Equal(t, ticket.ID, payload.ID)
}

func TestCreateTicketDefaultsSLAHours(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t, f.user, "Laptop", nil)
	assert.Equal(t, 24, ticket.SLAHours)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), ticket.SLADeadline)
}

func TestCreateTicketWithoutKeyAlwaysCreates(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, f.user, "Same", nil)
	second := f.create(t, f.user, "Same", nil)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateTicketReplaysIdempotentResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := CreateTicketInput{Title: "Printer", Description: "Jammed", IdempotencyKey: "key-1"}

	first, err := f.svc.CreateTicket(ctx, f.user, input)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	f.clock.Advance(time.Hour)
	second, err := f.svc.CreateTicket(ctx, f.user, input)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Body, second.Body)

	var body CreateTicketResponse
	require.NoError(t, json.Unmarshal(second.Body, &body))
	assert.True(t, body.Success)
	assert.Equal(t, "Ticket created successfully", body.Message)
	assert.Equal(t, first.Ticket.ID, body.Data.Ticket.ID)

	page, err := f.svc.ListTickets(ctx, f.agent, ListTicketsInput{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Len(t, f.drain(), 1)
}

func TestCreateTicketAfterKeyExpiryCreatesAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := CreateTicketInput{Title: "Printer", Description: "Jammed", IdempotencyKey: "key-1"}

	first, err := f.svc.CreateTicket(ctx, f.user, input)
	require.NoError(t, err)
	f.clock.Advance(idempotency.DefaultTTL + time.Minute)
	second, err := f.svc.CreateTicket(ctx, f.user, input)
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Ticket.ID, second.Ticket.ID)
}

type brokenStore struct{}

func (brokenStore) Lookup(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}

func (brokenStore) Save(context.Context, string, []byte) error {
	return errors.New("store down")
}

func TestCreateTicketSurvivesIdempotencyFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.idempotency = brokenStore{}

	res, err := f.svc.CreateTicket(context.Background(), f.user, CreateTicketInput{
		Title: "Printer", Description: "Jammed", IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.NotNil(t, res.Ticket)
}

// lateStore answers the first `misses` lookups with a miss, as if those requests checked the key
// before any of them recorded a response.
type lateStore struct {
	*idempotency.MemoryStore
	misses int
}

func (s *lateStore) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if s.misses > 0 {
		s.misses--
		return nil, false, nil
	}
	return s.MemoryStore.Lookup(ctx, key)
}

func TestConcurrentFirstRequestsWithSameKeyKeepFirstResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.idempotency = &lateStore{MemoryStore: f.store, misses: 2}
	input := CreateTicketInput{Title: "Printer", Description: "Jammed", IdempotencyKey: "key-race"}

	first, err := f.svc.CreateTicket(ctx, f.user, input)
	require.NoError(t, err)
	second, err := f.svc.CreateTicket(ctx, f.user, input)
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Ticket.ID, second.Ticket.ID)

	retry, err := f.svc.CreateTicket(ctx, f.user, input)
	require.NoError(t, err)
	assert.True(t, retry.Replayed)
	assert.Equal(t, first.Body, retry.Body)
}

func TestCreateTicketValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]CreateTicketInput{
		"empty title":       {Title: "  ", Description: "d"},
		"empty description": {Title: "t"},
		"bad priority":      {Title: "t", Description: "d", Priority: "critical"},
		"zero sla":          {Title: "t", Description: "d", SLAHours: ptr(0)},
		"oversized sla":     {Title: "t", Description: "d", SLAHours: ptr(domain.MaxSLAHours + 1)},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateTicket(ctx, f.user, input)
			requireCode(t, err, apperrors.CodeValidation)
		})
	}
	assert.Empty(t, f.drain())
}

func TestSLAHoursUpperBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateTicket(ctx, f.user, CreateTicketInput{Title: "far future", Description: "d", SLAHours: ptr(3_000_000)})
	requireCode(t, err, apperrors.CodeValidation)

	ticket := f.create(t, f.user, "longest allowed", ptr(domain.MaxSLAHours))
	assert.Equal(t, f.clock.Now().Add(time.Duration(domain.MaxSLAHours)*time.Hour), ticket.SLADeadline)

	_, err = f.svc.PatchTicket(ctx, f.agent, ticket.ID, ticket.Version, PatchTicketInput{SLAHours: ptr(3_000_000)})
	requireCode(t, err, apperrors.CodeValidation)

	result, err := f.sla.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Breached)

	stored, err := f.tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.False(t, stored.SLABreached)
	assert.EqualValues(t, 0, stored.Version)
	assert.Equal(t, domain.MaxSLAHours, stored.SLAHours)
}

func TestCreateTicketRejectsVanishedCreator(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateTicket(context.Background(), domain.Identity{ID: "ghost", Role: domain.RoleUser},
		CreateTicketInput{Title: "t", Description: "d"})
	requireCode(t, err, apperrors.CodeNotFound)
}

func TestPatchVersionMismatchLeavesTicketUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", nil)

	_, err := f.svc.PatchTicket(ctx, f.agent, ticket.ID, 7, PatchTicketInput{Status: ptr(domain.TicketStatusInProgress)})
	requireCode(t, err, apperrors.CodeVersionConflict)

	stored, err := f.svc.GetTicket(ctx, f.agent, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusOpen, stored.Status)
	assert.EqualValues(t, 0, stored.Version)
	assert.Len(t, stored.Timeline, 1)
}

func TestPatchTwoWritersCitingSameVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", nil)

	priorities := []domain.TicketPriority{domain.TicketPriorityLow, domain.TicketPriorityHigh, domain.TicketPriorityUrgent}
	for i, p := range priorities {
		_, err := f.svc.PatchTicket(ctx, f.agent, ticket.ID, int64(i), PatchTicketInput{Priority: ptr(p)})
		require.NoError(t, err)
	}

	first, err := f.svc.PatchTicket(ctx, f.agent, ticket.ID, 3, PatchTicketInput{Status: ptr(domain.TicketStatusInProgress)})
	require.NoError(t, err)
	assert.EqualValues(t, 4, first.Version)

	_, err = f.svc.PatchTicket(ctx, f.admin, ticket.ID, 3, PatchTicketInput{Status: ptr(domain.TicketStatusResolved)})
	requireCode(t, err, apperrors.CodeVersionConflict)
}

func TestConcurrentPatchesExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t, f.user, "VPN", nil)

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.PatchTicket(context.Background(), f.agent, ticket.ID, 0, PatchTicketInput{SLAHours: ptr(n + 2)})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case apperrors.HasCode(err, apperrors.CodeVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	stored, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.Version)
	assert.Len(t, stored.Timeline, 2)
}

func TestPatchNoChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", nil)

	_, err := f.svc.PatchTicket(ctx, f.agent, ticket.ID, 0, PatchTicketInput{
		Status:   ptr(domain.TicketStatusOpen),
		Priority: ptr(domain.TicketPriorityMedium),
	})
	requireCode(t, err, apperrors.CodeNoChanges)

	_, err = f.svc.PatchTicket(ctx, f.agent, ticket.ID, 0, PatchTicketInput{})
	requireCode(t, err, apperrors.CodeNoChanges)

	stored, err := f.tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stored.Version)
}

func TestPatchAggregatesChangesIntoOneEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", ptr(1))
	f.drain()

	f.clock.Advance(30 * time.Minute)
	updated, err := f.svc.PatchTicket(ctx, f.user, ticket.ID, 0, PatchTicketInput{
		Status:   ptr(domain.TicketStatusInProgress),
		Priority: ptr(domain.TicketPriorityHigh),
		SLAHours: ptr(4),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.Version)
	assert.Equal(t, f.clock.Now().Add(4*time.Hour), updated.SLADeadline)
	assert.False(t, updated.SLABreached)

	require.Len(t, updated.Timeline, 2)
	entry := updated.Timeline[1]
	assert.Equal(t, domain.ActionUpdated, entry.Action)
	assert.EqualValues(t, 2, entry.Seq)
	assert.Equal(t, domain.FieldChange{From: domain.TicketStatusOpen, To: domain.TicketStatusInProgress}, entry.Meta["status"])
	assert.Equal(t, domain.FieldChange{From: domain.TicketPriorityMedium, To: domain.TicketPriorityHigh}, entry.Meta["priority"])
	assert.Equal(t, domain.FieldChange{From: 1, To: 4}, entry.Meta["slaHours"])
	assert.Len(t, entry.Meta, 3)

	evs := f.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventTicketUpdated, evs[0].Type)
	assert.EqualValues(t, 1, evs[0].TicketVersion)
}

func TestPatchSLAHoursChangeClearsBreach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", ptr(1))

	f.clock.Advance(61 * time.Minute)
	_, err := f.sla.Sweep(ctx)
	require.NoError(t, err)

	updated, err := f.svc.PatchTicket(ctx, f.agent, ticket.ID, 1, PatchTicketInput{SLAHours: ptr(8)})
	require.NoError(t, err)
	assert.False(t, updated.SLABreached)
	assert.Equal(t, f.clock.Now().Add(8*time.Hour), updated.SLADeadline)
}

func TestPatchAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", nil)

	_, err := f.svc.PatchTicket(ctx, f.user, ticket.ID, 0, PatchTicketInput{AssignedTo: ptr(f.agent.ID)})
	requireCode(t, err, apperrors.CodeForbidden)

	_, err = f.svc.PatchTicket(ctx, f.agent, ticket.ID, 0, PatchTicketInput{AssignedTo: ptr("ghost")})
	requireCode(t, err, apperrors.CodeNotFound)

	_, err = f.svc.PatchTicket(ctx, f.agent, ticket.ID, 0, PatchTicketInput{AssignedTo: ptr(f.other.ID)})
	requireCode(t, err, apperrors.CodeValidation)

	stored, err := f.tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stored.Version)
	assert.Nil(t, stored.AssignedTo)

	updated, err := f.svc.PatchTicket(ctx, f.admin, ticket.ID, 0, PatchTicketInput{AssignedTo: ptr(f.agent.ID)})
	require.NoError(t, err)
	require.NotNil(t, updated.AssignedTo)
	assert.Equal(t, f.agent.ID, *updated.AssignedTo)
	assert.Equal(t, domain.FieldChange{From: nil, To: f.agent.ID}, updated.Timeline[1].Meta["assignedTo"])

	assigned, err := f.users.ListTicketIDs(ctx, f.agent.ID, domain.RelationAssigned)
	require.NoError(t, err)
	assert.Equal(t, []string{ticket.ID}, assigned)

	_, err = f.svc.PatchTicket(ctx, f.admin, ticket.ID, 1, PatchTicketInput{AssignedTo: ptr(f.agent.ID)})
	requireCode(t, err, apperrors.CodeNoChanges)
}

func TestPatchForeignTicketByUserIsForbidden(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t, f.user, "VPN", nil)

	_, err := f.svc.PatchTicket(context.Background(), f.other, ticket.ID, 0, PatchTicketInput{Status: ptr(domain.TicketStatusClosed)})
	requireCode(t, err, apperrors.CodeForbidden)
}

func TestPatchValidationAndMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", nil)

	_, err := f.svc.PatchTicket(ctx, f.agent, ticket.ID, 0, PatchTicketInput{Status: ptr(domain.TicketStatus("archived"))})
	requireCode(t, err, apperrors.CodeValidation)

	_, err = f.svc.PatchTicket(ctx, f.agent, ticket.ID, 0, PatchTicketInput{SLAHours: ptr(-1)})
	requireCode(t, err, apperrors.CodeValidation)

	_, err = f.svc.PatchTicket(ctx, f.agent, "missing", 0, PatchTicketInput{Status: ptr(domain.TicketStatusClosed)})
	requireCode(t, err, apperrors.CodeNotFound)
}

func TestPatchPublishFailureKeepsMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", nil)
	f.dispatcher.Close()

	updated, err := f.svc.PatchTicket(ctx, f.agent, ticket.ID, 0, PatchTicketInput{Status: ptr(domain.TicketStatusResolved)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.Version)

	stored, err := f.tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusResolved, stored.Status)
}

func TestParseExpectedVersion(t *testing.T) {
	for raw, want := range map[string]int64{"3": 3, `"3"`: 3, `W/"12"`: 12, " 0 ": 0} {
		got, err := ParseExpectedVersion(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"", "abc", "-1", "1.5"} {
		_, err := ParseExpectedVersion(raw)
		requireCode(t, err, apperrors.CodeValidation)
	}
}

func TestAddCommentAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", nil)
	f.drain()

	_, err := f.svc.AddComment(ctx, f.other, ticket.ID, "me too")
	requireCode(t, err, apperrors.CodeForbidden)

	comment, err := f.svc.AddComment(ctx, f.agent, ticket.ID, "looking into it")
	require.NoError(t, err)
	assert.Equal(t, f.agent.ID, comment.AuthorID)
	assert.EqualValues(t, 1, comment.Seq)

	_, err = f.svc.AddComment(ctx, f.user, ticket.ID, "thanks")
	require.NoError(t, err)

	evs := f.drain()
	require.Len(t, evs, 2)
	assert.Equal(t, events.EventTicketComment, evs[0].Type)
	payload, ok := evs[0].Payload.(events.TicketCommentPayload)
	require.True(t, ok)
	assert.Equal(t, ticket.ID, payload.TicketID)
	assert.Equal(t, comment.ID, payload.Comment.ID)

	stored, err := f.svc.GetTicket(ctx, f.user, ticket.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stored.Version)
	require.Len(t, stored.Comments, 2)
	assert.Equal(t, "looking into it", stored.Comments[0].Message)
	assert.Equal(t, "thanks", stored.Comments[1].Message)
}

func TestAddCommentTruncatesTimelineCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", nil)
	long := strings.Repeat("é", 250)

	comment, err := f.svc.AddComment(ctx, f.user, ticket.ID, long)
	require.NoError(t, err)
	assert.Equal(t, long, comment.Message)

	stored, err := f.svc.GetTicket(ctx, f.user, ticket.ID)
	require.NoError(t, err)
	entry := stored.Timeline[len(stored.Timeline)-1]
	assert.Equal(t, domain.ActionCommentAdded, entry.Action)
	assert.Equal(t, strings.Repeat("é", CommentPreviewLength), entry.Meta["message"])
}

func TestAddCommentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddComment(ctx, f.agent, "missing", "  ")
	requireCode(t, err, apperrors.CodeValidation)

	_, err = f.svc.AddComment(ctx, f.agent, "missing", "hello")
	requireCode(t, err, apperrors.CodeNotFound)
}

func TestListTicketsRestrictsUsersToOwnTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.create(t, f.user, "Mine", nil)
	f.create(t, f.other, "Theirs", nil)

	page, err := f.svc.ListTickets(ctx, f.user, ListTicketsInput{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, mine.ID, page.Items[0].ID)
	assert.Nil(t, page.NextOffset)

	page, err = f.svc.ListTickets(ctx, f.agent, ListTicketsInput{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestListTicketsPaginationAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.create(t, f.user, "Printer jam", nil)
		f.clock.Advance(time.Minute)
	}
	vpn := f.create(t, f.user, "Remote access", nil)
	_, err := f.svc.AddComment(ctx, f.agent, vpn.ID, "VPN certificate rotated")
	require.NoError(t, err)

	page, err := f.svc.ListTickets(ctx, f.agent, ListTicketsInput{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	require.NotNil(t, page.NextOffset)
	assert.Equal(t, 3, *page.NextOffset)
	assert.Equal(t, vpn.ID, page.Items[0].ID)

	page, err = f.svc.ListTickets(ctx, f.agent, ListTicketsInput{Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	require.NotNil(t, page.NextOffset)
	assert.Equal(t, 6, *page.NextOffset)

	page, err = f.svc.ListTickets(ctx, f.agent, ListTicketsInput{Limit: 3, Offset: 6})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Nil(t, page.NextOffset)

	page, err = f.svc.ListTickets(ctx, f.agent, ListTicketsInput{Query: "vpn"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, vpn.ID, page.Items[0].ID)

	page, err = f.svc.ListTickets(ctx, f.agent, ListTicketsInput{Limit: 1000, Offset: -4})
	require.NoError(t, err)
	assert.Len(t, page.Items, 6)
}

func TestListTicketsBreachedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	early := f.create(t, f.user, "Early", ptr(1))
	f.clock.Advance(30 * time.Minute)
	f.create(t, f.user, "Later", ptr(48))
	f.clock.Advance(31 * time.Minute)

	_, err := f.sla.Sweep(ctx)
	require.NoError(t, err)

	page, err := f.svc.ListTickets(ctx, f.user, ListTicketsInput{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, early.ID, page.Items[0].ID)

	page, err = f.svc.ListTickets(ctx, f.user, ListTicketsInput{BreachedOnly: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, early.ID, page.Items[0].ID)
}

func TestGetTicketAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, f.user, "VPN", nil)

	_, err := f.svc.GetTicket(ctx, f.other, ticket.ID)
	requireCode(t, err, apperrors.CodeForbidden)

	got, err := f.svc.GetTicket(ctx, f.admin, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, got.ID)

	_, err = f.svc.GetTicket(ctx, f.admin, "missing")
	requireCode(t, err, apperrors.CodeNotFound)
}

type stallingRepo struct {
	repository.TicketRepository
}

func (stallingRepo) GetByID(ctx context.Context, _ string) (*domain.Ticket, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRepositoryTimeoutSurfacesInternalError(t *testing.T) {
	f := newFixture(t)
	f.svc.tickets = stallingRepo{TicketRepository: f.tickets}
	f.svc.repoTimeout = 20 * time.Millisecond

	_, err := f.svc.GetTicket(context.Background(), f.agent, "any")
	requireCode(t, err, apperrors.CodeInternal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
