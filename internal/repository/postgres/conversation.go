package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/storechat/internal/chaterr"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/repository"
)

const convColumns = `id, customer_id, assignee_id, channel, status, priority, tags,
	customer_name, customer_email, customer_phone, order_number,
	rating_score, rating_feedback, rated_at,
	created_at, last_message_at, closed_at`

type ConversationStore struct {
	pool *pgxpool.Pool
}

func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

func (s *ConversationStore) Create(ctx context.Context, params repository.CreateConversation) (*models.Conversation, error) {
	priority := params.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	query := `
		INSERT INTO conversations (id, customer_id, channel, status, priority, tags,
			customer_name, customer_email, customer_phone, order_number,
			created_at, last_message_at)
		VALUES (uuid_generate_v4(), $1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING ` + convColumns

	row := s.pool.QueryRow(ctx, query,
		params.CustomerID, params.Channel, models.StatusNew, priority, params.Tags,
		params.CustomerName, params.CustomerEmail, params.CustomerPhone, params.OrderNumber,
	)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, chaterr.Persistence("insert conversation", err)
	}
	return conv, nil
}

func (s *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	query := `SELECT ` + convColumns + ` FROM conversations WHERE id = $1`

	conv, err := scanConversation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, chaterr.ErrNotFound
		}
		return nil, chaterr.Persistence("get conversation", err)
	}
	return conv, nil
}

// guardedUpdate runs an UPDATE that must not touch a closed conversation.
// The status <> 'closed' predicate makes the guard atomic with the write:
// even if two transitions race, closed stays terminal. When zero rows
// match we do one extra read to tell "not found" apart from "closed".
func (s *ConversationStore) guardedUpdate(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return chaterr.Persistence(op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, args[0].(uuid.UUID)); err != nil {
		return err
	}
	return chaterr.ErrConversationClosed
}

func (s *ConversationStore) SetStatus(ctx context.Context, id uuid.UUID, status models.Status) error {
	query := `UPDATE conversations SET status = $2 WHERE id = $1 AND status <> 'closed'`
	return s.guardedUpdate(ctx, "set status", query, id, status)
}

func (s *ConversationStore) SetAssignee(ctx context.Context, id uuid.UUID, assignee *uuid.UUID, status models.Status) error {
	query := `UPDATE conversations SET assignee_id = $2, status = $3 WHERE id = $1 AND status <> 'closed'`
	return s.guardedUpdate(ctx, "set assignee", query, id, assignee, status)
}

func (s *ConversationStore) Close(ctx context.Context, id uuid.UUID, rating *models.Rating, closedAt time.Time) error {
	var (
		score    *int
		feedback *string
		ratedAt  *time.Time
	)
	if rating != nil {
		score, feedback, ratedAt = &rating.Score, &rating.Feedback, &rating.RatedAt
	}

	query := `
		UPDATE conversations
		SET status = 'closed', closed_at = $2,
			rating_score = COALESCE($3, rating_score),
			rating_feedback = COALESCE($4, rating_feedback),
			rated_at = COALESCE($5, rated_at)
		WHERE id = $1 AND status <> 'closed'`

	tag, err := s.pool.Exec(ctx, query, id, closedAt, score, feedback, ratedAt)
	if err != nil {
		return chaterr.Persistence("close conversation", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if rating != nil {
		return chaterr.ErrAlreadyRated
	}
	return chaterr.ErrConversationClosed
}

func (s *ConversationStore) SetPriority(ctx context.Context, id uuid.UUID, priority models.Priority) error {
	query := `UPDATE conversations SET priority = $2 WHERE id = $1 AND status <> 'closed'`
	return s.guardedUpdate(ctx, "set priority", query, id, priority)
}

func (s *ConversationStore) SetTags(ctx context.Context, id uuid.UUID, tags []string) error {
	query := `UPDATE conversations SET tags = $2 WHERE id = $1 AND status <> 'closed'`
	return s.guardedUpdate(ctx, "set tags", query, id, tags)
}

func (s *ConversationStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Conversation, error) {
	// Oldest first: the assignment sweep serves the longest-waiting
	// conversation before newer ones.
	query := `SELECT ` + convColumns + `
		FROM conversations
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, chaterr.Persistence("list by status", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *ConversationStore) ListByAssignee(ctx context.Context, agentID uuid.UUID, since time.Time) ([]models.Conversation, error) {
	query := `SELECT ` + convColumns + `
		FROM conversations
		WHERE assignee_id = $1 AND last_message_at >= $2
		ORDER BY last_message_at DESC`

	rows, err := s.pool.Query(ctx, query, agentID, since)
	if err != nil {
		return nil, chaterr.Persistence("list by assignee", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *ConversationStore) Search(ctx context.Context, filter models.SearchFilter) ([]models.Conversation, error) {
	// The WHERE clause is built conditionally, the same way the message
	// pagination query is: each set filter appends one predicate and one
	// positional arg. Free-text is a case-insensitive substring match on
	// the identity snapshot plus tags; relevance ranking happens in the
	// search service so postgres and memory behave identically.
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if filter.Priority != "" {
		where = append(where, "priority = "+arg(filter.Priority))
	}
	if filter.Channel != "" {
		where = append(where, "channel = "+arg(filter.Channel))
	}
	if filter.Assignee != uuid.Nil {
		where = append(where, "assignee_id = "+arg(filter.Assignee))
	}
	if text := strings.TrimSpace(filter.Text); text != "" {
		p := arg("%" + text + "%")
		where = append(where, `(customer_name ILIKE `+p+
			` OR customer_email ILIKE `+p+
			` OR customer_phone ILIKE `+p+
			` OR order_number ILIKE `+p+
			` OR EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE `+p+`))`)
	}

	query := `SELECT ` + convColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_message_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += " LIMIT " + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, chaterr.Persistence("search conversations", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

// --- scanning ---------------------------------------------------------

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var (
		c        models.Conversation
		score    *int
		feedback *string
		ratedAt  *time.Time
	)
	err := row.Scan(
		&c.ID, &c.CustomerID, &c.AssigneeID, &c.Channel, &c.Status, &c.Priority, &c.Tags,
		&c.CustomerName, &c.CustomerEmail, &c.CustomerPhone, &c.OrderNumber,
		&score, &feedback, &ratedAt,
		&c.CreatedAt, &c.LastMessageAt, &c.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	if score != nil {
		c.Rating = &models.Rating{Score: *score}
		if feedback != nil {
			c.Rating.Feedback = *feedback
		}
		if ratedAt != nil {
			c.Rating.RatedAt = *ratedAt
		}
	}
	return &c, nil
}

func collectConversations(rows pgx.Rows) ([]models.Conversation, error) {
	// Returns empty slice (not nil) so JSON serializes to [] not null.
	convs := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, chaterr.Persistence("scan conversation", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, chaterr.Persistence("iterate conversations", err)
	}
	return convs, nil
}
