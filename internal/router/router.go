// Package router is the send pipeline: validate the sender, persist the
// message (obtaining its sequence), fan it out to every participant
// connection, and kick the notification dispatcher.
//
// Ordering: sequence assignment is serialized per conversation — the
// store takes the conversation's write lock, and the router additionally
// holds a per-conversation mutex so the persist → fan-out section of two
// concurrent sends on one conversation cannot interleave (fan-out order
// matches sequence order). Independent conversations run fully in
// parallel.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/chaterr"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/registry"
	"github.com/lalith-99/storechat/internal/repository"
	"go.uber.org/zap"
)

// Notifier decides whether an event becomes a sound/desktop notification.
// Dispatch is fire-and-forget: it runs after the message is persisted and
// fanned out, and must never block delivery.
type Notifier interface {
	Notify(ctx context.Context, identityID uuid.UUID, eventType models.NotificationType, payload any)
}

// SendInput is one inbound message submission.
type SendInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	SenderRole     models.Role
	Content        string
	IsNote         bool
	ClientKey      string
}

const (
	persistAttempts = 3
	persistBackoff  = 50 * time.Millisecond
)

type Router struct {
	store    repository.Store
	registry *registry.Registry
	notifier Notifier
	logger   *zap.Logger

	// Per-conversation send locks. Guards persist+fan-out as one critical
	// section per conversation; the map itself is guarded by mu.
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	// Supervisors watching a conversation they are not assigned to.
	subMu sync.RWMutex
	subs  map[uuid.UUID]map[uuid.UUID]struct{} // conversation → identity set
}

func New(store repository.Store, reg *registry.Registry, notifier Notifier, logger *zap.Logger) *Router {
	return &Router{
		store:    store,
		registry: reg,
		notifier: notifier,
		logger:   logger,
		locks:    make(map[uuid.UUID]*sync.Mutex),
		subs:     make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Send validates, persists and fans out one message. On success the
// returned message carries its assigned sequence and, if at least one
// recipient connection took the write, DeliveredAt.
func (r *Router) Send(ctx context.Context, in SendInput) (*models.Message, error) {
	conv, err := r.store.Conversations.Get(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}

	sender, err := resolveSender(conv, in)
	if err != nil {
		return nil, err
	}
	if conv.Closed() {
		return nil, chaterr.ErrConversationClosed
	}

	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		Sender:         sender,
		SenderID:       in.SenderID,
		Content:        in.Content,
		IsNote:         in.IsNote,
		ClientKey:      in.ClientKey,
		CreatedAt:      time.Now(),
	}

	unlock := r.lockConversation(in.ConversationID)
	defer unlock()

	// Persistence is the durability boundary: the write runs on a context
	// detached from the sender's connection, so a disconnect mid-send
	// never cancels a message the client believes was sent. Only fan-out
	// to the gone connection is skipped (it fails harmlessly).
	if err := r.persist(context.WithoutCancel(ctx), msg); err != nil {
		return nil, err
	}

	r.flipStatus(ctx, conv, msg)
	r.fanOut(ctx, conv, msg)
	r.notifyRecipients(conv, msg)

	return msg, nil
}

// SendSystem appends an engine-authored message (assignment, close) to
// the log and fans it out like any other message.
func (r *Router) SendSystem(ctx context.Context, conversationID uuid.UUID, content string) error {
	conv, err := r.store.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Closed() {
		return chaterr.ErrConversationClosed
	}

	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Sender:         models.SenderSystem,
		Content:        content,
		CreatedAt:      time.Now(),
	}

	unlock := r.lockConversation(conversationID)
	defer unlock()

	if err := r.persist(context.WithoutCancel(ctx), msg); err != nil {
		return err
	}
	r.fanOut(ctx, conv, msg)
	return nil
}

// Publish fans a non-persisted frame (status patch, rating, typing) out
// to the conversation's participants and watching supervisors.
func (r *Router) Publish(ctx context.Context, conversationID uuid.UUID, frame event.Frame) {
	conv, err := r.store.Conversations.Get(ctx, conversationID)
	if err != nil {
		r.logger.Warn("publish on unknown conversation",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err),
		)
		return
	}
	for _, identity := range r.participants(conv, true) {
		r.registry.Deliver(identity, frame)
	}
}

// Subscribe adds a supervisor to a conversation's fan-out.
func (r *Router) Subscribe(conversationID, identityID uuid.UUID) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	set := r.subs[conversationID]
	if set == nil {
		set = make(map[uuid.UUID]struct{})
		r.subs[conversationID] = set
	}
	set[identityID] = struct{}{}
}

// Unsubscribe removes a supervisor. Unknown pairs are a no-op.
func (r *Router) Unsubscribe(conversationID, identityID uuid.UUID) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if set := r.subs[conversationID]; set != nil {
		delete(set, identityID)
		if len(set) == 0 {
			delete(r.subs, conversationID)
		}
	}
}

// --- internals --------------------------------------------------------

// resolveSender enforces the participant rule and maps role → sender tag
// once, at ingestion. Supervisors write as agents.
func resolveSender(conv *models.Conversation, in SendInput) (models.Sender, error) {
	switch in.SenderRole {
	case models.RoleCustomer:
		if conv.CustomerID != in.SenderID || in.IsNote {
			return "", chaterr.ErrForbidden
		}
		return models.SenderCustomer, nil
	case models.RoleAgent:
		if conv.AssigneeID == nil || *conv.AssigneeID != in.SenderID {
			return "", chaterr.ErrForbidden
		}
		return models.SenderAgent, nil
	case models.RoleSupervisor:
		// Supervisor override: may write into any conversation.
		return models.SenderAgent, nil
	default:
		return "", chaterr.ErrForbidden
	}
}

func (r *Router) lockConversation(id uuid.UUID) func() {
	r.mu.Lock()
	lock := r.locks[id]
	if lock == nil {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// persist retries infrastructure failures a bounded number of times with
// backoff; rejections (closed conversation) surface immediately. If all
// attempts fail the sender gets PersistenceFailure and NO fan-out
// happens — a message that isn't durable is never delivered.
func (r *Router) persist(ctx context.Context, msg *models.Message) error {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(persistBackoff << (attempt - 1)):
			case <-ctx.Done():
				return fmt.Errorf("append message: %w", ctx.Err())
			}
		}
		err = r.store.Messages.Append(ctx, msg)
		if err == nil {
			return nil
		}
		if chaterr.Rejection(err) {
			return err
		}
		r.logger.Warn("message append failed, retrying",
			zap.String("conversation_id", msg.ConversationID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return chaterr.Persistence(fmt.Sprintf("append message after %d attempts", persistAttempts), err)
}

// flipStatus implements the reply-cycle flags: an agent reply puts the
// conversation into waiting_for_customer, the customer's next message
// puts it back to active. Notes don't move state — they're not replies.
func (r *Router) flipStatus(ctx context.Context, conv *models.Conversation, msg *models.Message) {
	if msg.IsNote {
		return
	}
	var to models.Status
	switch {
	case msg.Sender == models.SenderAgent && conv.Status == models.StatusActive:
		to = models.StatusWaitingCustomer
	case msg.Sender == models.SenderCustomer && conv.Status == models.StatusWaitingCustomer:
		to = models.StatusActive
	default:
		return
	}
	if err := r.store.Conversations.SetStatus(ctx, conv.ID, to); err != nil {
		r.logger.Warn("status flip failed",
			zap.String("conversation_id", conv.ID.String()),
			zap.Error(err),
		)
		return
	}
	conv.Status = to
	r.Publish(ctx, conv.ID, event.New(event.TypeConversationUpdated, map[string]any{
		"conversation_id": conv.ID,
		"status":          to,
	}))
}

// fanOut delivers the canonical message to every open connection of
// every participant — INCLUDING the sender's own connections. The sender
// reconciles its optimistic copy by ClientKey; other devices of the same
// identity need the copy anyway. Notes skip the customer entirely.
func (r *Router) fanOut(ctx context.Context, conv *models.Conversation, msg *models.Message) {
	frame := event.New(event.TypeNewMessage, msg)

	delivered := 0
	for _, identity := range r.participants(conv, !msg.IsNote) {
		if msg.IsNote && identity == conv.CustomerID {
			continue
		}
		delivered += r.registry.Deliver(identity, frame)
	}

	if delivered > 0 {
		now := time.Now()
		if err := r.store.Messages.MarkDelivered(context.WithoutCancel(ctx), msg.ID, now); err != nil {
			r.logger.Warn("mark delivered failed",
				zap.String("message_id", msg.ID.String()),
				zap.Error(err),
			)
		} else {
			msg.DeliveredAt = &now
		}
	}
}

// notifyRecipients hands each non-sender participant to the dispatcher.
// Goroutine per recipient: dispatch may hit Redis and must not hold up
// the send path — the message is already durable and fanned out.
func (r *Router) notifyRecipients(conv *models.Conversation, msg *models.Message) {
	eventType := models.NotifyNewMessage
	if conv.Priority == models.PriorityUrgent {
		eventType = models.NotifyUrgent
	}
	for _, identity := range r.participants(conv, !msg.IsNote) {
		if identity == msg.SenderID {
			continue
		}
		if msg.IsNote && identity == conv.CustomerID {
			continue
		}
		go r.notifier.Notify(context.Background(), identity, eventType, msg)
	}
}

// participants returns customer, assignee and watching supervisors.
// includeCustomer=false is the internal-note path.
func (r *Router) participants(conv *models.Conversation, includeCustomer bool) []uuid.UUID {
	out := make([]uuid.UUID, 0, 4)
	add := func(id uuid.UUID) {
		for _, seen := range out {
			if seen == id {
				return // assignee may also be a subscriber; one delivery
			}
		}
		out = append(out, id)
	}
	if includeCustomer {
		add(conv.CustomerID)
	}
	if conv.AssigneeID != nil {
		add(*conv.AssigneeID)
	}
	r.subMu.RLock()
	for identity := range r.subs[conv.ID] {
		add(identity)
	}
	r.subMu.RUnlock()
	return out
}
