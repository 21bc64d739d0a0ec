// Package search is the operator console's read-only projection over
// conversations. It never mutates conversation or message state.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/repository"
	"go.uber.org/zap"
)

// Relevance weights. Identity fields (name, email, phone, order number)
// outrank tags; exact beats prefix beats substring.
const (
	scoreExact     = 100
	scorePrefix    = 80
	scoreSubstring = 60
	scoreTagExact  = 40
	scoreTagSub    = 20
)

type Service struct {
	store  repository.Store
	logger *zap.Logger
}

func NewService(store repository.Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Search filters via the store, then ranks in memory: relevance first,
// lastMessageAt descending as the tiebreak (and the sole order when
// there's no free-text term). Ranking lives here, not in SQL, so the
// postgres and in-memory stores produce identical orderings.
func (s *Service) Search(ctx context.Context, filter models.SearchFilter) ([]models.Conversation, error) {
	convs, err := s.store.Conversations.Search(ctx, filter)
	if err != nil {
		return nil, err
	}

	text := strings.ToLower(strings.TrimSpace(filter.Text))
	if text == "" {
		return convs, nil // store already orders by last_message_at DESC
	}

	type scored struct {
		conv  models.Conversation
		score int
	}
	ranked := make([]scored, 0, len(convs))
	for _, c := range convs {
		ranked = append(ranked, scored{conv: c, score: relevance(&c, text)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].conv.LastMessageAt.After(ranked[j].conv.LastMessageAt)
	})

	out := make([]models.Conversation, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.conv)
	}
	return out, nil
}

func relevance(c *models.Conversation, lowered string) int {
	best := 0
	take := func(score int) {
		if score > best {
			best = score
		}
	}
	for _, field := range []string{c.CustomerName, c.CustomerEmail, c.CustomerPhone, c.OrderNumber} {
		f := strings.ToLower(field)
		switch {
		case f == "":
		case f == lowered:
			take(scoreExact)
		case strings.HasPrefix(f, lowered):
			take(scorePrefix)
		case strings.Contains(f, lowered):
			take(scoreSubstring)
		}
	}
	for _, tag := range c.Tags {
		t := strings.ToLower(tag)
		switch {
		case t == lowered:
			take(scoreTagExact)
		case strings.Contains(t, lowered):
			take(scoreTagSub)
		}
	}
	return best
}

// AgentMetrics derives per-agent analytics for the period ending now.
// Everything comes from Conversation/Message timestamps — there is no
// separate metrics state to drift out of sync.
func (s *Service) AgentMetrics(ctx context.Context, agentID uuid.UUID, period time.Duration) (*models.AgentMetrics, error) {
	since := time.Now().Add(-period)
	convs, err := s.store.Conversations.ListByAssignee(ctx, agentID, since)
	if err != nil {
		return nil, err
	}

	m := &models.AgentMetrics{AgentID: agentID, Period: period}
	var (
		totalResponse time.Duration
		responses     int
		totalScore    int
	)
	for _, c := range convs {
		m.Handled++
		if c.Closed() {
			m.Resolved++
		}
		if c.Rating != nil {
			m.RatedCount++
			totalScore += c.Rating.Score
		}
		replyAt, err := s.store.Messages.FirstAgentReplyAt(ctx, c.ID)
		if err != nil {
			s.logger.Warn("first reply lookup failed",
				zap.String("conversation_id", c.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if replyAt != nil {
			totalResponse += replyAt.Sub(c.CreatedAt)
			responses++
		}
	}

	if m.Handled > 0 {
		m.ResolutionRate = float64(m.Resolved) / float64(m.Handled)
	}
	if responses > 0 {
		m.AvgResponseTime = totalResponse / time.Duration(responses)
	}
	if m.RatedCount > 0 {
		m.Satisfaction = float64(totalScore) / float64(m.RatedCount)
	}
	return m, nil
}

// Messages pages a conversation's log for the console: everything after
// the given sequence, ascending. Internal notes are stripped for
// customer viewers before this ever reaches them (see api layer).
func (s *Service) Messages(ctx context.Context, conversationID uuid.UUID, afterSequence int64, limit int) ([]models.Message, error) {
	return s.store.Messages.List(ctx, conversationID, afterSequence, limit)
}
