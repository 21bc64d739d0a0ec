// Package memory is an in-memory implementation of the repository
// interfaces.
//
// It exists for the same reason the interfaces do: engine and handler
// tests run against it without a database. It honors every contract the
// postgres implementation does — closed-state guards, gap-free sequence
// assignment, monotonic watermarks — so tests exercising those
// invariants are meaningful.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/chaterr"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/repository"
)

type record struct {
	conv  models.Conversation
	msgs  []models.Message
	marks map[uuid.UUID]int64 // identity → read watermark
}

// Store implements all three repository interfaces behind one mutex.
// A single lock is fine here: the real concurrency contract (single
// writer per conversation sequence) only requires that appends to the
// same conversation serialize, and a store-wide mutex trivially gives us
// that.
type Store struct {
	mu    sync.RWMutex
	convs map[uuid.UUID]*record
}

func New() *Store {
	return &Store{convs: make(map[uuid.UUID]*record)}
}

// Bundle wires this store into the repository.Store the engine takes.
func (s *Store) Bundle() repository.Store {
	return repository.Store{Conversations: s, Messages: s, ReadMarks: s}
}

// --- ConversationRepository -------------------------------------------

func (s *Store) Create(_ context.Context, params repository.CreateConversation) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	priority := params.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	conv := models.Conversation{
		ID:            uuid.New(),
		CustomerID:    params.CustomerID,
		Channel:       params.Channel,
		Status:        models.StatusNew,
		Priority:      priority,
		Tags:          dedupeTags(params.Tags),
		CustomerName:  params.CustomerName,
		CustomerEmail: params.CustomerEmail,
		CustomerPhone: params.CustomerPhone,
		OrderNumber:   params.OrderNumber,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	s.convs[conv.ID] = &record{conv: conv, marks: make(map[uuid.UUID]int64)}

	out := cloneConv(conv)
	return &out, nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.convs[id]
	if !ok {
		return nil, chaterr.ErrNotFound
	}
	out := cloneConv(rec.conv)
	return &out, nil
}

func (s *Store) SetStatus(_ context.Context, id uuid.UUID, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		return chaterr.ErrNotFound
	}
	if rec.conv.Status == models.StatusClosed {
		return chaterr.ErrConversationClosed
	}
	rec.conv.Status = status
	return nil
}

func (s *Store) SetAssignee(_ context.Context, id uuid.UUID, assignee *uuid.UUID, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		return chaterr.ErrNotFound
	}
	if rec.conv.Status == models.StatusClosed {
		return chaterr.ErrConversationClosed
	}
	if assignee != nil {
		a := *assignee
		rec.conv.AssigneeID = &a
	} else {
		rec.conv.AssigneeID = nil
	}
	rec.conv.Status = status
	return nil
}

func (s *Store) Close(_ context.Context, id uuid.UUID, rating *models.Rating, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		return chaterr.ErrNotFound
	}
	if rec.conv.Status == models.StatusClosed {
		// Rating an already-closed conversation is the AlreadyRated case;
		// a plain re-close is just a closed-state violation.
		if rating != nil {
			return chaterr.ErrAlreadyRated
		}
		return chaterr.ErrConversationClosed
	}
	if rating != nil {
		r := *rating
		rec.conv.Rating = &r
	}
	rec.conv.Status = models.StatusClosed
	at := closedAt
	rec.conv.ClosedAt = &at
	return nil
}

func (s *Store) SetPriority(_ context.Context, id uuid.UUID, priority models.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		return chaterr.ErrNotFound
	}
	if rec.conv.Status == models.StatusClosed {
		return chaterr.ErrConversationClosed
	}
	rec.conv.Priority = priority
	return nil
}

func (s *Store) SetTags(_ context.Context, id uuid.UUID, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		return chaterr.ErrNotFound
	}
	if rec.conv.Status == models.StatusClosed {
		return chaterr.ErrConversationClosed
	}
	rec.conv.Tags = dedupeTags(tags)
	return nil
}

func (s *Store) ListByStatus(_ context.Context, status models.Status, limit int) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0)
	for _, rec := range s.convs {
		if rec.conv.Status == status {
			out = append(out, cloneConv(rec.conv))
		}
	}
	// Oldest first: the longest-waiting customer gets assigned next.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListByAssignee(_ context.Context, agentID uuid.UUID, since time.Time) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0)
	for _, rec := range s.convs {
		if rec.conv.AssigneeID != nil && *rec.conv.AssigneeID == agentID && !rec.conv.LastMessageAt.Before(since) {
			out = append(out, cloneConv(rec.conv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (s *Store) Search(_ context.Context, filter models.SearchFilter) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	text := strings.ToLower(strings.TrimSpace(filter.Text))
	out := make([]models.Conversation, 0)
	for _, rec := range s.convs {
		c := rec.conv
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && c.Priority != filter.Priority {
			continue
		}
		if filter.Channel != "" && c.Channel != filter.Channel {
			continue
		}
		if filter.Assignee != uuid.Nil && (c.AssigneeID == nil || *c.AssigneeID != filter.Assignee) {
			continue
		}
		if text != "" && !matchesText(&c, text) {
			continue
		}
		out = append(out, cloneConv(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesText(c *models.Conversation, lowered string) bool {
	for _, field := range []string{c.CustomerName, c.CustomerEmail, c.CustomerPhone, c.OrderNumber} {
		if field != "" && strings.Contains(strings.ToLower(field), lowered) {
			return true
		}
	}
	for _, tag := range c.Tags {
		if strings.Contains(strings.ToLower(tag), lowered) {
			return true
		}
	}
	return false
}

// --- MessageRepository ------------------------------------------------

func (s *Store) Append(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[msg.ConversationID]
	if !ok {
		return chaterr.ErrNotFound
	}
	if rec.conv.Status == models.StatusClosed {
		return chaterr.ErrConversationClosed
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	// Messages are append-only with no deletes, so len()+1 IS
	// 1 + max(existing sequence): contiguous from 1, no gaps.
	msg.Sequence = int64(len(rec.msgs)) + 1
	rec.msgs = append(rec.msgs, *msg)
	rec.conv.LastMessageAt = msg.CreatedAt
	return nil
}

func (s *Store) List(_ context.Context, conversationID uuid.UUID, afterSequence int64, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.convs[conversationID]
	if !ok {
		return nil, chaterr.ErrNotFound
	}
	out := make([]models.Message, 0)
	for _, m := range rec.msgs {
		if m.Sequence > afterSequence {
			out = append(out, m)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkDelivered(_ context.Context, messageID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.convs {
		for i := range rec.msgs {
			if rec.msgs[i].ID == messageID {
				if rec.msgs[i].DeliveredAt == nil {
					t := at
					rec.msgs[i].DeliveredAt = &t
				}
				return nil
			}
		}
	}
	return chaterr.ErrNotFound
}

func (s *Store) FirstAgentReplyAt(_ context.Context, conversationID uuid.UUID) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.convs[conversationID]
	if !ok {
		return nil, chaterr.ErrNotFound
	}
	for _, m := range rec.msgs {
		if m.Sender == models.SenderAgent && !m.IsNote {
			t := m.CreatedAt
			return &t, nil
		}
	}
	return nil, nil
}

// --- ReadMarkRepository -----------------------------------------------

func (s *Store) MarkRead(_ context.Context, conversationID, identityID uuid.UUID, upto int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[conversationID]
	if !ok {
		return 0, chaterr.ErrNotFound
	}
	current := rec.marks[identityID]
	if upto <= current {
		return current, nil // monotonic: never regress
	}
	if max := int64(len(rec.msgs)); upto > max {
		upto = max // can't acknowledge messages that don't exist yet
	}
	if upto <= current {
		return current, nil
	}
	rec.marks[identityID] = upto

	now := time.Now()
	for i := range rec.msgs {
		m := &rec.msgs[i]
		if m.Sequence > current && m.Sequence <= upto && m.SenderID != identityID && m.ReadAt == nil {
			t := now
			m.ReadAt = &t
		}
	}
	return upto, nil
}

func (s *Store) Watermark(_ context.Context, conversationID, identityID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.convs[conversationID]
	if !ok {
		return 0, chaterr.ErrNotFound
	}
	return rec.marks[identityID], nil
}

func (s *Store) UnreadCount(_ context.Context, conversationID, viewerID uuid.UUID, includeNotes bool) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.convs[conversationID]
	if !ok {
		return 0, chaterr.ErrNotFound
	}
	watermark := rec.marks[viewerID]
	var n int64
	for _, m := range rec.msgs {
		if m.Sequence <= watermark || m.SenderID == viewerID {
			continue
		}
		if m.IsNote && !includeNotes {
			continue
		}
		n++
	}
	return n, nil
}

// --- helpers ----------------------------------------------------------

func cloneConv(c models.Conversation) models.Conversation {
	out := c
	if c.AssigneeID != nil {
		a := *c.AssigneeID
		out.AssigneeID = &a
	}
	if c.Rating != nil {
		r := *c.Rating
		out.Rating = &r
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	out.Tags = append([]string(nil), c.Tags...)
	return out
}

func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
