package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/models"
)

// Why context.Context as the first parameter on every method?
//   - It's idiomatic Go for anything that does I/O (DB, Redis, HTTP).
//   - It carries deadlines: if the caller goes away, the query stops.
//   - Rule of thumb: if a function touches the network, it takes ctx.
//
// One deliberate exception to cancellation: a client disconnect mid-send
// must NOT cancel the persisted write. The router passes a detached
// context into Append — persistence is the durability boundary; only the
// fan-out to the now-gone connection is skipped.

// CreateConversation carries the snapshot the widget submits when a
// customer opens a conversation. Everything else (status, timestamps)
// is set by the store.
type CreateConversation struct {
	CustomerID    uuid.UUID
	Channel       models.Channel
	Priority      models.Priority
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	OrderNumber   string
	Tags          []string
}

// ConversationRepository is the single source of truth for conversation
// state. It is the SOLE mutator of status and rating — the lifecycle
// service decides transitions, the store applies them atomically.
type ConversationRepository interface {
	// Create inserts a new conversation in status "new".
	Create(ctx context.Context, params CreateConversation) (*models.Conversation, error)

	// Get returns a conversation, or chaterr.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error)

	// SetStatus applies a status change that the lifecycle service has
	// already validated. Fails with chaterr.ErrConversationClosed if the
	// stored status is closed (guards the terminal state even if two
	// transitions race).
	SetStatus(ctx context.Context, id uuid.UUID, status models.Status) error

	// SetAssignee binds/unbinds an agent and flips status in the same
	// write, so a conversation is never observed assigned-but-waiting.
	SetAssignee(ctx context.Context, id uuid.UUID, assignee *uuid.UUID, status models.Status) error

	// Close transitions to closed, optionally attaching a rating, in one
	// atomic write. On an already-closed conversation it fails with
	// chaterr.ErrAlreadyRated when a rating is supplied, otherwise with
	// chaterr.ErrConversationClosed.
	Close(ctx context.Context, id uuid.UUID, rating *models.Rating, closedAt time.Time) error

	// SetPriority and SetTags are operator-console edits. Rejected on a
	// closed conversation.
	SetPriority(ctx context.Context, id uuid.UUID, priority models.Priority) error
	SetTags(ctx context.Context, id uuid.UUID, tags []string) error

	// ListByStatus feeds the assignment sweep (status = waiting_for_agent),
	// oldest first so the longest-waiting customer is served next.
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Conversation, error)

	// ListByAssignee feeds agent metrics: conversations the agent touched
	// since the period start.
	ListByAssignee(ctx context.Context, agentID uuid.UUID, since time.Time) ([]models.Conversation, error)

	// Search is the operator console's read-only projection. It must
	// never mutate conversation or message state.
	Search(ctx context.Context, filter models.SearchFilter) ([]models.Conversation, error)
}

// MessageRepository owns the ordered message log. It is the SOLE mutator
// of sequence numbers.
type MessageRepository interface {
	// Append persists msg, assigning Sequence = 1 + max(existing) (1 if
	// empty) under the conversation's write lock — two concurrent appends
	// on the same conversation can never produce duplicate or out-of-order
	// sequences, and no error path leaves a gap. Also bumps the
	// conversation's LastMessageAt in the same transaction.
	// Fails with chaterr.ErrConversationClosed on a closed conversation.
	Append(ctx context.Context, msg *models.Message) error

	// List returns messages with Sequence > afterSequence in ascending
	// sequence order. afterSequence = 0 means "from the beginning".
	List(ctx context.Context, conversationID uuid.UUID, afterSequence int64, limit int) ([]models.Message, error)

	// MarkDelivered records when fan-out first reached a recipient
	// connection. Idempotent: keeps the earliest timestamp.
	MarkDelivered(ctx context.Context, messageID uuid.UUID, at time.Time) error

	// FirstAgentReplyAt returns the timestamp of the first agent message
	// (notes excluded), or nil if the agent never replied. Metrics only.
	FirstAgentReplyAt(ctx context.Context, conversationID uuid.UUID) (*time.Time, error)
}

// ReadMarkRepository tracks per-identity read watermarks: the highest
// sequence an identity has acknowledged. Unread counts are DERIVED from
// the watermark, never stored verbatim.
type ReadMarkRepository interface {
	// MarkRead advances the watermark to upto. Monotonic: a lower upto
	// than the stored watermark is a no-op, never a regression. Returns
	// the effective watermark after the call. Also stamps ReadAt on the
	// newly covered messages not authored by the reader.
	MarkRead(ctx context.Context, conversationID, identityID uuid.UUID, upto int64) (int64, error)

	// Watermark returns the stored watermark, 0 if none.
	Watermark(ctx context.Context, conversationID, identityID uuid.UUID) (int64, error)

	// UnreadCount counts messages above the viewer's watermark that the
	// viewer did not author. includeNotes is false for customers, who
	// must never see (or be badged for) internal notes.
	UnreadCount(ctx context.Context, conversationID, viewerID uuid.UUID, includeNotes bool) (int64, error)
}

// Store bundles the three repositories; the engine services take this
// instead of three separate constructor arguments.
type Store struct {
	Conversations ConversationRepository
	Messages      MessageRepository
	ReadMarks     ReadMarkRepository
}
