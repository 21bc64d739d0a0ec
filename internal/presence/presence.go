// Package presence turns registry events into pushed state.
//
// The tracker is one dispatcher loop over the registry's presence-flip
// channel — the event-listener spaghetti of the old widget backend
// replaced with explicit channel consumption, so ordering and
// backpressure are visible in one place.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/registry"
	"go.uber.org/zap"
)

// Assignments reacts to agent availability: a fresh agent pulls waiting
// conversations, a leaving agent's conversations get reassigned.
type Assignments interface {
	HandleAgentOnline(ctx context.Context, agentID uuid.UUID)
	HandleAgentOffline(ctx context.Context, agentID uuid.UUID)
}

// Publisher fans typing changes out to a conversation's participants.
type Publisher interface {
	Publish(ctx context.Context, conversationID uuid.UUID, frame event.Frame)
}

// typingTTL is how long a typing indicator survives without a refresh.
// Clients send set_typing(true) on keystrokes and set_typing(false) on
// blur, but a crashed tab never sends the false — the timer clears it.
const typingTTL = 5 * time.Second

type PresencePayload struct {
	IdentityID uuid.UUID `json:"identity_id"`
	IsOnline   bool      `json:"is_online"`
}

type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	IdentityID     uuid.UUID `json:"identity_id"`
	IsTyping       bool      `json:"is_typing"`
}

type Tracker struct {
	registry *registry.Registry
	assign   Assignments
	pub      Publisher
	logger   *zap.Logger

	mu     sync.Mutex
	typing map[uuid.UUID]map[uuid.UUID]*time.Timer // conversation → identity → expiry
}

func NewTracker(reg *registry.Registry, assign Assignments, pub Publisher, logger *zap.Logger) *Tracker {
	return &Tracker{
		registry: reg,
		assign:   assign,
		pub:      pub,
		logger:   logger,
		typing:   make(map[uuid.UUID]map[uuid.UUID]*time.Timer),
	}
}

// Run consumes presence flips until ctx is cancelled. Meant to be run as
// one goroutine from main.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.registry.Events():
			t.handle(ctx, ev)
		}
	}
}

func (t *Tracker) handle(ctx context.Context, ev registry.PresenceEvent) {
	t.logger.Info("presence changed",
		zap.String("identity_id", ev.IdentityID.String()),
		zap.String("role", string(ev.Role)),
		zap.Bool("online", ev.Online),
	)

	// The operator console shows who's online; customers don't get a
	// roster. Push to every agent and supervisor connection.
	frame := event.New(event.TypePresenceChanged, PresencePayload{
		IdentityID: ev.IdentityID,
		IsOnline:   ev.Online,
	})
	for _, role := range []models.Role{models.RoleAgent, models.RoleSupervisor} {
		for _, identity := range t.registry.OnlineByRole(role) {
			if identity == ev.IdentityID {
				continue
			}
			t.registry.Deliver(identity, frame)
		}
	}

	if ev.Role == models.RoleAgent {
		if ev.Online {
			t.assign.HandleAgentOnline(ctx, ev.IdentityID)
		} else {
			t.assign.HandleAgentOffline(ctx, ev.IdentityID)
		}
	}
}

// SetTyping publishes a typing indicator to the conversation and arms
// (or disarms) its auto-expiry.
func (t *Tracker) SetTyping(ctx context.Context, conversationID, identityID uuid.UUID, isTyping bool) {
	t.mu.Lock()
	byIdentity := t.typing[conversationID]
	if byIdentity == nil {
		byIdentity = make(map[uuid.UUID]*time.Timer)
		t.typing[conversationID] = byIdentity
	}
	if timer := byIdentity[identityID]; timer != nil {
		timer.Stop()
		delete(byIdentity, identityID)
	}
	if isTyping {
		byIdentity[identityID] = time.AfterFunc(typingTTL, func() {
			t.SetTyping(context.Background(), conversationID, identityID, false)
		})
	} else if len(byIdentity) == 0 {
		delete(t.typing, conversationID)
	}
	t.mu.Unlock()

	t.pub.Publish(ctx, conversationID, event.New(event.TypeTypingChanged, TypingPayload{
		ConversationID: conversationID,
		IdentityID:     identityID,
		IsTyping:       isTyping,
	}))
}

// IsTyping reports whether the identity currently has a live indicator.
func (t *Tracker) IsTyping(conversationID, identityID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	byIdentity := t.typing[conversationID]
	if byIdentity == nil {
		return false
	}
	_, ok := byIdentity[identityID]
	return ok
}
