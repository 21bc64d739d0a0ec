package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/storechat/internal/chaterr"
	"github.com/lalith-99/storechat/internal/models"
)

const msgColumns = `id, conversation_id, sequence, sender, sender_id, content, is_note,
	client_key, created_at, delivered_at, read_at`

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// Append assigns the next sequence and persists the message atomically.
//
// The ordering guarantee lives HERE: the transaction takes a row lock on
// the conversation (SELECT ... FOR UPDATE), which serializes concurrent
// appends to the same conversation. Two sends racing on one conversation
// queue up on the row lock and each compute MAX(sequence)+1 after the
// other's insert is visible — no duplicates, no gaps. Appends to
// different conversations lock different rows and run fully in parallel.
func (s *MessageStore) Append(ctx context.Context, msg *models.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chaterr.Persistence("begin append", err)
	}
	defer tx.Rollback(ctx)

	var status models.Status
	err = tx.QueryRow(ctx,
		`SELECT status FROM conversations WHERE id = $1 FOR UPDATE`,
		msg.ConversationID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chaterr.ErrNotFound
		}
		return chaterr.Persistence("lock conversation", err)
	}
	if status == models.StatusClosed {
		return chaterr.ErrConversationClosed
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, sequence, sender, sender_id, content, is_note, client_key, created_at)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE conversation_id = $2),
			$3, $4, $5, $6, $7, $8)
		RETURNING sequence`,
		msg.ID, msg.ConversationID, msg.Sender, msg.SenderID, msg.Content, msg.IsNote, msg.ClientKey, msg.CreatedAt,
	).Scan(&msg.Sequence)
	if err != nil {
		return chaterr.Persistence("insert message", err)
	}

	// Same transaction: a message and its LastMessageAt bump are never
	// observed apart.
	_, err = tx.Exec(ctx,
		`UPDATE conversations SET last_message_at = $2 WHERE id = $1`,
		msg.ConversationID, msg.CreatedAt,
	)
	if err != nil {
		return chaterr.Persistence("bump last_message_at", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return chaterr.Persistence("commit append", err)
	}
	return nil
}

func (s *MessageStore) List(ctx context.Context, conversationID uuid.UUID, afterSequence int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + msgColumns + `
		FROM messages
		WHERE conversation_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, conversationID, afterSequence, limit)
	if err != nil {
		return nil, chaterr.Persistence("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Sequence, &m.Sender, &m.SenderID, &m.Content, &m.IsNote,
			&m.ClientKey, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt,
		); err != nil {
			return nil, chaterr.Persistence("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, chaterr.Persistence("iterate messages", err)
	}
	return messages, nil
}

func (s *MessageStore) MarkDelivered(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	// delivered_at IS NULL keeps the EARLIEST delivery time when the
	// router reports delivery once per recipient connection.
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET delivered_at = $2 WHERE id = $1 AND delivered_at IS NULL`,
		messageID, at,
	)
	if err != nil {
		return chaterr.Persistence("mark delivered", err)
	}
	return nil
}

func (s *MessageStore) FirstAgentReplyAt(ctx context.Context, conversationID uuid.UUID) (*time.Time, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(created_at) FROM messages
		WHERE conversation_id = $1 AND sender = 'agent' AND NOT is_note`,
		conversationID,
	).Scan(&at)
	if err != nil {
		return nil, chaterr.Persistence("first agent reply", err)
	}
	return at, nil
}
