package presence

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordSink struct {
	mu     sync.Mutex
	frames []event.Frame
}

func (s *recordSink) Deliver(frame event.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordSink) presenceFlips() []PresencePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PresencePayload, 0)
	for _, f := range s.frames {
		if f.Type == event.TypePresenceChanged {
			out = append(out, f.Payload.(PresencePayload))
		}
	}
	return out
}

type recordAssignments struct {
	mu      sync.Mutex
	online  []uuid.UUID
	offline []uuid.UUID
}

func (a *recordAssignments) HandleAgentOnline(_ context.Context, agentID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.online = append(a.online, agentID)
}

func (a *recordAssignments) HandleAgentOffline(_ context.Context, agentID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offline = append(a.offline, agentID)
}

type recordPublisher struct {
	mu     sync.Mutex
	frames []event.Frame
}

func (p *recordPublisher) Publish(_ context.Context, _ uuid.UUID, frame event.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
}

func (p *recordPublisher) last() (event.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return event.Frame{}, false
	}
	return p.frames[len(p.frames)-1], true
}

func drain(t *testing.T, tracker *Tracker, reg *registry.Registry) {
	t.Helper()
	for {
		select {
		case ev := <-reg.Events():
			tracker.handle(context.Background(), ev)
		default:
			return
		}
	}
}

func TestPresenceFlipBroadcastToOperatorsOnly(t *testing.T) {
	reg := registry.New(zap.NewNop())
	assignments := &recordAssignments{}
	tracker := NewTracker(reg, assignments, &recordPublisher{}, zap.NewNop())

	agentSink := &recordSink{}
	customerSink := &recordSink{}
	agentID := uuid.New()
	reg.Register(agentID, models.RoleAgent, "agent-conn", agentSink)
	reg.Register(uuid.New(), models.RoleCustomer, "cust-conn", customerSink)
	drain(t, tracker, reg)

	agentSink.mu.Lock()
	agentSink.frames = nil
	agentSink.mu.Unlock()

	// A customer flips online: the agent sees it, no customer does.
	reg.Register(uuid.New(), models.RoleCustomer, "cust-2", &recordSink{})
	drain(t, tracker, reg)

	flips := agentSink.presenceFlips()
	require.Len(t, flips, 1)
	assert.True(t, flips[0].IsOnline)
	assert.Empty(t, customerSink.presenceFlips())
}

func TestAgentFlipsTriggerAssignmentHooks(t *testing.T) {
	reg := registry.New(zap.NewNop())
	assignments := &recordAssignments{}
	tracker := NewTracker(reg, assignments, &recordPublisher{}, zap.NewNop())
	agentID := uuid.New()

	reg.Register(agentID, models.RoleAgent, "conn-1", &recordSink{})
	drain(t, tracker, reg)
	require.Equal(t, []uuid.UUID{agentID}, assignments.online)

	// A second tab does not re-trigger the hook.
	reg.Register(agentID, models.RoleAgent, "conn-2", &recordSink{})
	drain(t, tracker, reg)
	assert.Len(t, assignments.online, 1)

	reg.Unregister("conn-1")
	drain(t, tracker, reg)
	assert.Empty(t, assignments.offline, "still one connection open")

	reg.Unregister("conn-2")
	drain(t, tracker, reg)
	require.Equal(t, []uuid.UUID{agentID}, assignments.offline)
}

func TestCustomerFlipsDoNotTouchAssignments(t *testing.T) {
	reg := registry.New(zap.NewNop())
	assignments := &recordAssignments{}
	tracker := NewTracker(reg, assignments, &recordPublisher{}, zap.NewNop())

	reg.Register(uuid.New(), models.RoleCustomer, "c-1", &recordSink{})
	drain(t, tracker, reg)
	reg.Unregister("c-1")
	drain(t, tracker, reg)

	assert.Empty(t, assignments.online)
	assert.Empty(t, assignments.offline)
}

func TestSetTypingPublishesAndTracksState(t *testing.T) {
	reg := registry.New(zap.NewNop())
	pub := &recordPublisher{}
	tracker := NewTracker(reg, &recordAssignments{}, pub, zap.NewNop())
	convID := uuid.New()
	identity := uuid.New()

	tracker.SetTyping(context.Background(), convID, identity, true)
	assert.True(t, tracker.IsTyping(convID, identity))
	frame, ok := pub.last()
	require.True(t, ok)
	assert.Equal(t, event.TypeTypingChanged, frame.Type)
	assert.True(t, frame.Payload.(TypingPayload).IsTyping)

	tracker.SetTyping(context.Background(), convID, identity, false)
	assert.False(t, tracker.IsTyping(convID, identity))
	frame, ok = pub.last()
	require.True(t, ok)
	assert.False(t, frame.Payload.(TypingPayload).IsTyping)
}

func TestSetTypingFalseWithoutPriorTrueIsHarmless(t *testing.T) {
	tracker := NewTracker(registry.New(zap.NewNop()), &recordAssignments{}, &recordPublisher{}, zap.NewNop())
	convID := uuid.New()
	identity := uuid.New()

	tracker.SetTyping(context.Background(), convID, identity, false)
	assert.False(t, tracker.IsTyping(convID, identity))
}
