package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/helpdesk-service/internal/domain"
)

// TicketFilter captures list parameters. CreatedBy is set server-side for role user.
type TicketFilter struct {
	CreatedBy    *string
	Query        string
	BreachedOnly bool
	Limit        int
	Offset       int
}

// TicketUpdate is a compare-and-swap write. Ticket holds the new field values; the stored row
// must still be at ExpectedVersion. NewComments and NewTimeline are appended in order and get
// their Seq assigned by the repository.
type TicketUpdate struct {
	Ticket          *domain.Ticket
	ExpectedVersion int64
	NewComments     []domain.Comment
	NewTimeline     []domain.TimelineEntry
}

// BreachCriteria selects tickets whose SLA has elapsed unnoticed.
type BreachCriteria struct {
	Now              time.Time
	ExcludedStatuses []domain.TicketStatus
	Limit            int
}

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	Save(ctx context.Context, update TicketUpdate) error
	List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error)
	ListBreachCandidates(ctx context.Context, criteria BreachCriteria) ([]domain.Ticket, error)
	// MarkBreached flips sla_breached without a version check, provided the ticket is still
	// eligible. It reports false when another sweep or a patch got there first.
	MarkBreached(ctx context.Context, id string, criteria BreachCriteria, entry domain.TimelineEntry) (*domain.Ticket, bool, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, title, description, priority, status, created_by, assigned_to,
               sla_hours, sla_deadline, sla_breached, version, created_at, updated_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
        INSERT INTO tickets (id, title, description, priority, status, created_by, assigned_to,
            sla_hours, sla_deadline, sla_breached, version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	if _, err := tx.Exec(ctx, query,
		ticket.ID,
		ticket.Title,
		ticket.Description,
		ticket.Priority,
		ticket.Status,
		ticket.CreatedBy,
		ticket.AssignedTo,
		ticket.SLAHours,
		ticket.SLADeadline,
		ticket.SLABreached,
		ticket.Version,
		ticket.CreatedAt,
		ticket.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}

	for i := range ticket.Comments {
		ticket.Comments[i].TicketID = ticket.ID
		ticket.Comments[i].Seq = int64(i + 1)
		if err := insertComment(ctx, tx, &ticket.Comments[i]); err != nil {
			return err
		}
	}
	for i := range ticket.Timeline {
		ticket.Timeline[i].TicketID = ticket.ID
		ticket.Timeline[i].Seq = int64(i + 1)
		if err := insertTimeline(ctx, tx, &ticket.Timeline[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tickets := []domain.Ticket{*ticket}
	if err := r.attachChildren(ctx, tickets); err != nil {
		return nil, err
	}
	return &tickets[0], nil
}

func (r *ticketRepository) Save(ctx context.Context, update TicketUpdate) error {
	ticket := update.Ticket
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The row lock taken here serializes the seq allocation below per ticket.
	const query = `
        UPDATE tickets SET title=$1, description=$2, priority=$3, status=$4, assigned_to=$5,
            sla_hours=$6, sla_deadline=$7, sla_breached=$8, version=version+1, updated_at=$9
        WHERE id=$10 AND version=$11
        RETURNING version`
	var newVersion int64
	err = tx.QueryRow(ctx, query,
		ticket.Title,
		ticket.Description,
		ticket.Priority,
		ticket.Status,
		ticket.AssignedTo,
		ticket.SLAHours,
		ticket.SLADeadline,
		ticket.SLABreached,
		ticket.UpdatedAt,
		ticket.ID,
		update.ExpectedVersion,
	).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missOrConflict(ctx, tx, ticket.ID, update.ExpectedVersion)
	}
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}

	comments, err := appendComments(ctx, tx, ticket.ID, update.NewComments)
	if err != nil {
		return err
	}
	timeline, err := appendTimeline(ctx, tx, ticket.ID, update.NewTimeline)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	ticket.Version = newVersion
	ticket.Comments = append(ticket.Comments, comments...)
	ticket.Timeline = append(ticket.Timeline, timeline...)
	return nil
}

func (r *ticketRepository) missOrConflict(ctx context.Context, q querier, id string, expected int64) error {
	var current int64
	if err := q.QueryRow(ctx, `SELECT version FROM tickets WHERE id=$1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return &ConflictError{Expected: expected, Current: current}
}

func (r *ticketRepository) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.CreatedBy != nil {
		args = append(args, *filter.CreatedBy)
		clauses = append(clauses, fmt.Sprintf("t.created_by=$%d", len(args)))
	}
	if filter.BreachedOnly {
		clauses = append(clauses, "t.sla_breached")
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, strings.ToLower(q))
		n := len(args)
		clauses = append(clauses, fmt.Sprintf(`(position($%[1]d in lower(t.title)) > 0
            OR position($%[1]d in lower(t.description)) > 0
            OR EXISTS (SELECT 1 FROM ticket_comments c WHERE c.ticket_id = t.id AND position($%[1]d in lower(c.message)) > 0))`, n))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM tickets t WHERE %s
        ORDER BY t.sla_breached DESC, t.created_at DESC, t.id DESC
        LIMIT $%d OFFSET $%d`,
		prefixColumns("t."), strings.Join(clauses, " AND "), len(args)-1, len(args))

	tickets, err := r.collect(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if err := r.attachChildren(ctx, tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (r *ticketRepository) ListBreachCandidates(ctx context.Context, criteria BreachCriteria) ([]domain.Ticket, error) {
	limit := criteria.Limit
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets
        WHERE sla_breached = FALSE AND sla_deadline <= $1 AND status <> ALL($2::text[])
        ORDER BY sla_deadline ASC
        LIMIT $3`
	return r.collect(ctx, query, criteria.Now, statusStrings(criteria.ExcludedStatuses), limit)
}

func (r *ticketRepository) MarkBreached(ctx context.Context, id string, criteria BreachCriteria, entry domain.TimelineEntry) (*domain.Ticket, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
        UPDATE tickets SET sla_breached=TRUE, version=version+1, updated_at=$2
        WHERE id=$1 AND sla_breached=FALSE AND sla_deadline <= $2 AND status <> ALL($3::text[])
        RETURNING ` + ticketColumns
	ticket, err := scanTicket(tx.QueryRow(ctx, query, id, criteria.Now, statusStrings(criteria.ExcludedStatuses)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mark breached: %w", err)
	}

	timeline, err := appendTimeline(ctx, tx, id, []domain.TimelineEntry{entry})
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	ticket.Timeline = timeline
	return ticket, true, nil
}

func (r *ticketRepository) collect(ctx context.Context, query string, args ...any) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := []domain.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *ticket)
	}
	return tickets, rows.Err()
}

// attachChildren loads comments and timelines for all tickets in two queries.
func (r *ticketRepository) attachChildren(ctx context.Context, tickets []domain.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	ids := make([]string, len(tickets))
	index := make(map[string]int, len(tickets))
	for i := range tickets {
		ids[i] = tickets[i].ID
		index[tickets[i].ID] = i
		tickets[i].Comments = []domain.Comment{}
		tickets[i].Timeline = []domain.TimelineEntry{}
	}

	rows, err := r.pool.Query(ctx, `
        SELECT id, ticket_id, seq, author_id, message, created_at
        FROM ticket_comments WHERE ticket_id = ANY($1) ORDER BY ticket_id, seq`, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.TicketID, &c.Seq, &c.AuthorID, &c.Message, &c.CreatedAt); err != nil {
			rows.Close()
			return err
		}
		t := &tickets[index[c.TicketID]]
		t.Comments = append(t.Comments, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.pool.Query(ctx, `
        SELECT id, ticket_id, seq, action, actor_id, meta, created_at
        FROM ticket_timeline WHERE ticket_id = ANY($1) ORDER BY ticket_id, seq`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.TimelineEntry
		if err := rows.Scan(&e.ID, &e.TicketID, &e.Seq, &e.Action, &e.ActorID, &e.Meta, &e.CreatedAt); err != nil {
			return err
		}
		t := &tickets[index[e.TicketID]]
		t.Timeline = append(t.Timeline, e)
	}
	return rows.Err()
}

func appendComments(ctx context.Context, q querier, ticketID string, comments []domain.Comment) ([]domain.Comment, error) {
	if len(comments) == 0 {
		return nil, nil
	}
	var seq int64
	if err := q.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0) FROM ticket_comments WHERE ticket_id=$1`, ticketID).Scan(&seq); err != nil {
		return nil, err
	}
	out := make([]domain.Comment, len(comments))
	for i, c := range comments {
		seq++
		c.TicketID = ticketID
		c.Seq = seq
		if err := insertComment(ctx, q, &c); err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func appendTimeline(ctx context.Context, q querier, ticketID string, entries []domain.TimelineEntry) ([]domain.TimelineEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var seq int64
	if err := q.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0) FROM ticket_timeline WHERE ticket_id=$1`, ticketID).Scan(&seq); err != nil {
		return nil, err
	}
	out := make([]domain.TimelineEntry, len(entries))
	for i, e := range entries {
		seq++
		e.TicketID = ticketID
		e.Seq = seq
		if err := insertTimeline(ctx, q, &e); err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func insertComment(ctx context.Context, q querier, c *domain.Comment) error {
	const query = `
        INSERT INTO ticket_comments (id, ticket_id, seq, author_id, message, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := q.Exec(ctx, query, c.ID, c.TicketID, c.Seq, c.AuthorID, c.Message, c.CreatedAt); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func insertTimeline(ctx context.Context, q querier, e *domain.TimelineEntry) error {
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	const query = `
        INSERT INTO ticket_timeline (id, ticket_id, seq, action, actor_id, meta, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := q.Exec(ctx, query, e.ID, e.TicketID, e.Seq, e.Action, e.ActorID, meta, e.CreatedAt); err != nil {
		return fmt.Errorf("insert timeline entry: %w", err)
	}
	return nil
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.Title,
		&ticket.Description,
		&ticket.Priority,
		&ticket.Status,
		&ticket.CreatedBy,
		&ticket.AssignedTo,
		&ticket.SLAHours,
		&ticket.SLADeadline,
		&ticket.SLABreached,
		&ticket.Version,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func prefixColumns(prefix string) string {
	cols := strings.Split(ticketColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func statusStrings(statuses []domain.TicketStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
