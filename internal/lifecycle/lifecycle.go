// Package lifecycle governs conversation status transitions.
//
//	new → waiting_for_agent → active ⇄ waiting_for_customer ⇄ on_hold → closed
//
// The service validates the transition, the store applies it atomically,
// and participants get a conversation_updated push. Closed is terminal:
// no operation here leaves it.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/chaterr"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/repository"
	"go.uber.org/zap"
)

// Publisher fans frames out to a conversation's participants and appends
// system messages to its log. Implemented by the message router.
type Publisher interface {
	Publish(ctx context.Context, conversationID uuid.UUID, frame event.Frame)
	SendSystem(ctx context.Context, conversationID uuid.UUID, content string) error
}

// Releaser frees an agent's workload slot when a conversation ends.
// Implemented by the assignment manager.
type Releaser interface {
	Release(conversationID uuid.UUID)
}

// transitions is the closed set of legal moves. Anything not listed is
// rejected with ErrInvalidTransition; "closed" has no outgoing edges.
var transitions = map[models.Status][]models.Status{
	models.StatusNew:             {models.StatusWaitingAgent, models.StatusOnHold, models.StatusClosed},
	models.StatusWaitingAgent:    {models.StatusActive, models.StatusOnHold, models.StatusClosed},
	models.StatusActive:          {models.StatusWaitingCustomer, models.StatusOnHold, models.StatusClosed},
	models.StatusWaitingCustomer: {models.StatusActive, models.StatusOnHold, models.StatusClosed},
	models.StatusOnHold:          {models.StatusActive, models.StatusWaitingCustomer, models.StatusClosed},
	models.StatusClosed:          {},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Service struct {
	store    repository.Store
	pub      Publisher
	workload Releaser
	logger   *zap.Logger
}

func NewService(store repository.Store, pub Publisher, workload Releaser, logger *zap.Logger) *Service {
	return &Service{store: store, pub: pub, workload: workload, logger: logger}
}

// Open creates a conversation and immediately moves it to
// waiting_for_agent — "new" is never observable from outside, it exists
// so a half-created conversation has a defined state.
func (s *Service) Open(ctx context.Context, params repository.CreateConversation) (*models.Conversation, error) {
	conv, err := s.store.Conversations.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if err := s.store.Conversations.SetStatus(ctx, conv.ID, models.StatusWaitingAgent); err != nil {
		return nil, fmt.Errorf("queue conversation: %w", err)
	}
	conv.Status = models.StatusWaitingAgent

	s.logger.Info("conversation opened",
		zap.String("conversation_id", conv.ID.String()),
		zap.String("customer_id", conv.CustomerID.String()),
		zap.String("channel", string(conv.Channel)),
	)
	return conv, nil
}

// Transition applies an explicit status change (hold, resume, waiting
// flags) after validating it against the state machine.
func (s *Service) Transition(ctx context.Context, conversationID uuid.UUID, to models.Status) error {
	conv, err := s.store.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == to {
		return nil // idempotent
	}
	if !CanTransition(conv.Status, to) {
		return fmt.Errorf("%w: %s -> %s", chaterr.ErrInvalidTransition, conv.Status, to)
	}
	if err := s.store.Conversations.SetStatus(ctx, conversationID, to); err != nil {
		return err
	}

	s.pub.Publish(ctx, conversationID, event.New(event.TypeConversationUpdated, ConversationPatch{
		ConversationID: conversationID,
		Status:         to,
	}))
	return nil
}

// Hold is the explicit agent action: any non-closed state may go on hold.
func (s *Service) Hold(ctx context.Context, conversationID uuid.UUID) error {
	return s.Transition(ctx, conversationID, models.StatusOnHold)
}

// Close ends a conversation without a rating (agent-initiated close).
func (s *Service) Close(ctx context.Context, conversationID uuid.UUID) error {
	return s.close(ctx, conversationID, nil)
}

// RateAndClose is the customer's close-and-rate flow. Rating attachment
// and the closed transition are ONE store write: there is no observable
// state where the rating exists on an open conversation. A second call
// fails with AlreadyRated.
func (s *Service) RateAndClose(ctx context.Context, conversationID uuid.UUID, score int, feedback string) error {
	if score < 1 || score > 5 {
		return fmt.Errorf("rating score %d out of range 1..5", score)
	}
	return s.close(ctx, conversationID, &models.Rating{
		Score:    score,
		Feedback: feedback,
		RatedAt:  time.Now(),
	})
}

func (s *Service) close(ctx context.Context, conversationID uuid.UUID, rating *models.Rating) error {
	conv, err := s.store.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}

	// The closing system message has to land before the close: the log is
	// immutable afterwards.
	if !conv.Closed() {
		if err := s.pub.SendSystem(ctx, conversationID, "Conversation closed."); err != nil {
			s.logger.Warn("closing system message failed",
				zap.String("conversation_id", conversationID.String()),
				zap.Error(err),
			)
		}
	}

	if err := s.store.Conversations.Close(ctx, conversationID, rating, time.Now()); err != nil {
		return err
	}

	// Free the agent's slot so the next waiting conversation can take it.
	if conv.AssigneeID != nil {
		s.workload.Release(conversationID)
	}

	patch := ConversationPatch{ConversationID: conversationID, Status: models.StatusClosed}
	s.pub.Publish(ctx, conversationID, event.New(event.TypeConversationUpdated, patch))
	if rating != nil {
		s.pub.Publish(ctx, conversationID, event.New(event.TypeRatingRecorded, RatingRecorded{
			ConversationID: conversationID,
			Rating:         *rating,
		}))
	}

	s.logger.Info("conversation closed",
		zap.String("conversation_id", conversationID.String()),
		zap.Bool("rated", rating != nil),
	)
	return nil
}

// SetPriority and SetTags are operator edits pushed out as patches.

func (s *Service) SetPriority(ctx context.Context, conversationID uuid.UUID, priority models.Priority) error {
	if err := s.store.Conversations.SetPriority(ctx, conversationID, priority); err != nil {
		return err
	}
	s.pub.Publish(ctx, conversationID, event.New(event.TypeConversationUpdated, ConversationPatch{
		ConversationID: conversationID,
		Priority:       priority,
	}))
	return nil
}

func (s *Service) SetTags(ctx context.Context, conversationID uuid.UUID, tags []string) error {
	if err := s.store.Conversations.SetTags(ctx, conversationID, tags); err != nil {
		return err
	}
	conv, err := s.store.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	s.pub.Publish(ctx, conversationID, event.New(event.TypeConversationUpdated, ConversationPatch{
		ConversationID: conversationID,
		Tags:           conv.Tags,
	}))
	return nil
}

// ConversationPatch is the conversation_updated payload: only the fields
// that changed are set.
type ConversationPatch struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	Status         models.Status   `json:"status,omitempty"`
	AssigneeID     *uuid.UUID      `json:"assignee_id,omitempty"`
	Priority       models.Priority `json:"priority,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
}

// RatingRecorded is the rating_recorded payload.
type RatingRecorded struct {
	ConversationID uuid.UUID     `json:"conversation_id"`
	Rating         models.Rating `json:"rating"`
}
