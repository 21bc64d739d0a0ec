// Package assign matches waiting conversations to available agents.
//
// Selection: among online agents with free capacity, pick the one with
// the fewest active conversations; tie-break by longest time since last
// assignment (round-robin fairness). Workload counters are mutated only
// inside this manager's critical section — a conversation is never
// double-counted, and |active| ≤ maxConcurrent holds after any sequence
// of assign/release operations.
//
// When nobody qualifies the conversation simply stays waiting_for_agent;
// assignment is retried when an agent comes online and on a fixed-
// interval sweep.
package assign

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/chaterr"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/lifecycle"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/registry"
	"github.com/lalith-99/storechat/internal/repository"
	"go.uber.org/zap"
)

// Publisher is the router's fan-out surface (patches + system messages).
type Publisher interface {
	Publish(ctx context.Context, conversationID uuid.UUID, frame event.Frame)
	SendSystem(ctx context.Context, conversationID uuid.UUID, content string) error
}

// Notifier delivers the assignment ping to the chosen agent.
type Notifier interface {
	Notify(ctx context.Context, identityID uuid.UUID, eventType models.NotificationType, payload any)
}

type workload struct {
	active       map[uuid.UUID]struct{}
	lastAssigned time.Time
}

type Manager struct {
	store         repository.Store
	registry      *registry.Registry
	pub           Publisher
	notifier      Notifier
	logger        *zap.Logger
	maxConcurrent int
	sweepInterval time.Duration

	mu     sync.Mutex
	agents map[uuid.UUID]*workload
	byConv map[uuid.UUID]uuid.UUID // conversation → its agent
}

func NewManager(
	store repository.Store,
	reg *registry.Registry,
	pub Publisher,
	notifier Notifier,
	maxConcurrent int,
	sweepInterval time.Duration,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		store:         store,
		registry:      reg,
		pub:           pub,
		notifier:      notifier,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		sweepInterval: sweepInterval,
		agents:        make(map[uuid.UUID]*workload),
		byConv:        make(map[uuid.UUID]uuid.UUID),
	}
}

// Run is the periodic sweep: retry queued conversations every interval
// instead of making anyone block on an agent becoming free.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

// SweepOnce tries to assign every waiting conversation, oldest first.
func (m *Manager) SweepOnce(ctx context.Context) {
	waiting, err := m.store.Conversations.ListByStatus(ctx, models.StatusWaitingAgent, 100)
	if err != nil {
		m.logger.Warn("assignment sweep query failed", zap.Error(err))
		return
	}
	for _, conv := range waiting {
		if _, err := m.Assign(ctx, conv.ID); err != nil {
			if errors.Is(err, chaterr.ErrAgentUnavailable) {
				return // nobody has capacity; later conversations won't fare better
			}
			m.logger.Warn("sweep assignment failed",
				zap.String("conversation_id", conv.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// Assign runs the selection algorithm for one conversation. Returns
// ErrAgentUnavailable (not fatal, conversation stays queued) when no
// agent qualifies.
func (m *Manager) Assign(ctx context.Context, conversationID uuid.UUID) (uuid.UUID, error) {
	conv, err := m.store.Conversations.Get(ctx, conversationID)
	if err != nil {
		return uuid.Nil, err
	}
	if conv.Closed() {
		return uuid.Nil, chaterr.ErrConversationClosed
	}
	if conv.AssigneeID != nil {
		return *conv.AssigneeID, nil // existing assignment is respected
	}

	agentID, ok := m.reserve(conversationID, uuid.Nil)
	if !ok {
		return uuid.Nil, chaterr.ErrAgentUnavailable
	}

	if err := m.bind(ctx, conversationID, agentID); err != nil {
		m.rollback(conversationID, agentID)
		return uuid.Nil, err
	}
	return agentID, nil
}

// AssignTo is the manual override from the operator console. Capacity is
// still enforced; an existing assignment is moved atomically so the
// conversation is never counted against two agents.
func (m *Manager) AssignTo(ctx context.Context, conversationID, agentID uuid.UUID) error {
	conv, err := m.store.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Closed() {
		return chaterr.ErrConversationClosed
	}
	if conv.AssigneeID != nil && *conv.AssigneeID == agentID {
		return nil
	}

	m.mu.Lock()
	w := m.workloadLocked(agentID)
	if len(w.active) >= m.maxConcurrent {
		m.mu.Unlock()
		return chaterr.ErrAgentUnavailable
	}
	if prev, ok := m.byConv[conversationID]; ok {
		delete(m.agents[prev].active, conversationID)
	}
	w.active[conversationID] = struct{}{}
	w.lastAssigned = time.Now()
	m.byConv[conversationID] = agentID
	m.mu.Unlock()

	if err := m.bind(ctx, conversationID, agentID); err != nil {
		m.rollback(conversationID, agentID)
		return err
	}
	return nil
}

// Release frees the slot a conversation occupied (close or abandon).
// Unknown conversations are a no-op.
func (m *Manager) Release(conversationID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agentID, ok := m.byConv[conversationID]
	if !ok {
		return
	}
	delete(m.byConv, conversationID)
	if w := m.agents[agentID]; w != nil {
		delete(w.active, conversationID)
	}
}

// ActiveCount reports an agent's current load (metrics/console).
func (m *Manager) ActiveCount(agentID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w := m.agents[agentID]; w != nil {
		return len(w.active)
	}
	return 0
}

// HandleAgentOnline is wired to the presence tracker: a fresh agent is
// the main reason queued conversations get unstuck between sweeps.
func (m *Manager) HandleAgentOnline(ctx context.Context, agentID uuid.UUID) {
	m.mu.Lock()
	m.workloadLocked(agentID)
	m.mu.Unlock()
	m.SweepOnce(ctx)
}

// HandleAgentOffline reruns selection for everything the outgoing agent
// held, excluding them. Conversations with no candidate go back to
// waiting_for_agent.
func (m *Manager) HandleAgentOffline(ctx context.Context, agentID uuid.UUID) {
	m.mu.Lock()
	w := m.agents[agentID]
	if w == nil {
		m.mu.Unlock()
		return
	}
	orphans := make([]uuid.UUID, 0, len(w.active))
	for convID := range w.active {
		orphans = append(orphans, convID)
	}
	m.mu.Unlock()

	for _, convID := range orphans {
		newAgent, ok := m.reserve(convID, agentID)
		if !ok {
			// Old slot freed, nobody takes over: back to the queue.
			m.Release(convID)
			if err := m.store.Conversations.SetAssignee(ctx, convID, nil, models.StatusWaitingAgent); err != nil {
				m.logger.Warn("unassign failed",
					zap.String("conversation_id", convID.String()),
					zap.Error(err),
				)
				continue
			}
			m.pub.Publish(ctx, convID, event.New(event.TypeConversationUpdated, lifecycle.ConversationPatch{
				ConversationID: convID,
				Status:         models.StatusWaitingAgent,
			}))
			continue
		}
		if err := m.bind(ctx, convID, newAgent); err != nil {
			m.rollback(convID, newAgent)
			m.logger.Warn("reassignment failed",
				zap.String("conversation_id", convID.String()),
				zap.Error(err),
			)
		}
	}
}

// --- internals --------------------------------------------------------

// reserve picks the best candidate and claims the slot in ONE critical
// section, moving the conversation off any previous agent at the same
// time. The store write happens outside the lock; rollback undoes the
// claim if it fails.
func (m *Manager) reserve(conversationID, exclude uuid.UUID) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best     uuid.UUID
		bestW    *workload
		haveBest bool
	)
	for _, agentID := range m.registry.OnlineByRole(models.RoleAgent) {
		if agentID == exclude {
			continue
		}
		w := m.workloadLocked(agentID)
		if len(w.active) >= m.maxConcurrent {
			continue
		}
		if !haveBest ||
			len(w.active) < len(bestW.active) ||
			(len(w.active) == len(bestW.active) && w.lastAssigned.Before(bestW.lastAssigned)) {
			best, bestW, haveBest = agentID, w, true
		}
	}
	if !haveBest {
		return uuid.Nil, false
	}

	if prev, ok := m.byConv[conversationID]; ok {
		delete(m.agents[prev].active, conversationID)
	}
	bestW.active[conversationID] = struct{}{}
	bestW.lastAssigned = time.Now()
	m.byConv[conversationID] = best
	return best, true
}

func (m *Manager) rollback(conversationID, agentID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byConv[conversationID] == agentID {
		delete(m.byConv, conversationID)
	}
	if w := m.agents[agentID]; w != nil {
		delete(w.active, conversationID)
	}
}

// bind writes the assignment to the store and announces it.
func (m *Manager) bind(ctx context.Context, conversationID, agentID uuid.UUID) error {
	agent := agentID
	if err := m.store.Conversations.SetAssignee(ctx, conversationID, &agent, models.StatusActive); err != nil {
		return err
	}

	m.pub.Publish(ctx, conversationID, event.New(event.TypeConversationUpdated, lifecycle.ConversationPatch{
		ConversationID: conversationID,
		Status:         models.StatusActive,
		AssigneeID:     &agent,
	}))
	if err := m.pub.SendSystem(ctx, conversationID, "You are now connected with a support agent."); err != nil {
		m.logger.Warn("assignment system message failed",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err),
		)
	}
	go m.notifier.Notify(context.Background(), agentID, models.NotifyAssignment, lifecycle.ConversationPatch{
		ConversationID: conversationID,
		Status:         models.StatusActive,
		AssigneeID:     &agent,
	})

	m.logger.Info("conversation assigned",
		zap.String("conversation_id", conversationID.String()),
		zap.String("agent_id", agentID.String()),
	)
	return nil
}

// workloadLocked returns (creating if needed) an agent's record.
// Caller holds m.mu.
func (m *Manager) workloadLocked(agentID uuid.UUID) *workload {
	w := m.agents[agentID]
	if w == nil {
		w = &workload{active: make(map[uuid.UUID]struct{})}
		m.agents[agentID] = w
	}
	return w
}
