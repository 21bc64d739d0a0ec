package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/storechat/internal/chaterr"
)

type ReadMarkStore struct {
	pool *pgxpool.Pool
}

func NewReadMarkStore(pool *pgxpool.Pool) *ReadMarkStore {
	return &ReadMarkStore{pool: pool}
}

// MarkRead advances the (conversation, identity) watermark.
//
// GREATEST in the upsert is what makes the watermark monotonic without a
// read-modify-write race: two concurrent MarkRead calls both land, and
// the stored value is the max of the two. A stale lower upto is a no-op.
func (s *ReadMarkStore) MarkRead(ctx context.Context, conversationID, identityID uuid.UUID, upto int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, chaterr.Persistence("begin mark read", err)
	}
	defer tx.Rollback(ctx)

	var watermark int64
	err = tx.QueryRow(ctx, `
		INSERT INTO read_marks (conversation_id, identity_id, watermark)
		VALUES ($1, $2, LEAST($3, (SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE conversation_id = $1)))
		ON CONFLICT (conversation_id, identity_id)
		DO UPDATE SET watermark = GREATEST(read_marks.watermark, EXCLUDED.watermark)
		RETURNING watermark`,
		conversationID, identityID, upto,
	).Scan(&watermark)
	if err != nil {
		return 0, chaterr.Persistence("upsert watermark", err)
	}

	// Stamp read_at on the messages the new watermark covers. The reader's
	// own messages are skipped: you don't "read" what you wrote.
	_, err = tx.Exec(ctx, `
		UPDATE messages SET read_at = now()
		WHERE conversation_id = $1 AND sequence <= $2 AND sender_id <> $3 AND read_at IS NULL`,
		conversationID, watermark, identityID,
	)
	if err != nil {
		return 0, chaterr.Persistence("stamp read_at", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, chaterr.Persistence("commit mark read", err)
	}
	return watermark, nil
}

func (s *ReadMarkStore) Watermark(ctx context.Context, conversationID, identityID uuid.UUID) (int64, error) {
	var watermark int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT watermark FROM read_marks WHERE conversation_id = $1 AND identity_id = $2), 0)`,
		conversationID, identityID,
	).Scan(&watermark)
	if err != nil {
		return 0, chaterr.Persistence("get watermark", err)
	}
	return watermark, nil
}

// UnreadCount derives the badge count from the watermark. It is never
// stored: deriving it means it can't drift from the log.
func (s *ReadMarkStore) UnreadCount(ctx context.Context, conversationID, viewerID uuid.UUID, includeNotes bool) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = $1
		  AND m.sender_id <> $2
		  AND ($3 OR NOT m.is_note)
		  AND m.sequence > COALESCE(
			(SELECT watermark FROM read_marks WHERE conversation_id = $1 AND identity_id = $2), 0)`,
		conversationID, viewerID, includeNotes,
	).Scan(&n)
	if err != nil {
		return 0, chaterr.Persistence("unread count", err)
	}
	return n, nil
}
