package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/chaterr"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/repository"
	"github.com/lalith-99/storechat/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubPublisher appends system messages to the real store (so ordering
// against the close write is observable) and records published frames.
type stubPublisher struct {
	store repository.Store

	mu     sync.Mutex
	frames []event.Frame
	system []string
}

func (p *stubPublisher) Publish(_ context.Context, _ uuid.UUID, frame event.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
}

func (p *stubPublisher) SendSystem(ctx context.Context, conversationID uuid.UUID, content string) error {
	p.mu.Lock()
	p.system = append(p.system, content)
	p.mu.Unlock()
	return p.store.Messages.Append(ctx, &models.Message{
		ConversationID: conversationID,
		Sender:         models.SenderSystem,
		Content:        content,
	})
}

func (p *stubPublisher) frameTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.frames))
	for _, f := range p.frames {
		out = append(out, f.Type)
	}
	return out
}

type stubReleaser struct {
	mu       sync.Mutex
	released []uuid.UUID
}

func (r *stubReleaser) Release(conversationID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, conversationID)
}

func newService(t *testing.T) (*Service, *memory.Store, *stubPublisher, *stubReleaser) {
	t.Helper()
	mem := memory.New()
	pub := &stubPublisher{store: mem.Bundle()}
	rel := &stubReleaser{}
	return NewService(mem.Bundle(), pub, rel, zap.NewNop()), mem, pub, rel
}

func open(t *testing.T, svc *Service) *models.Conversation {
	t.Helper()
	conv, err := svc.Open(context.Background(), repository.CreateConversation{
		CustomerID: uuid.New(),
		Channel:    models.ChannelSite,
	})
	require.NoError(t, err)
	return conv
}

func TestOpenQueuesConversation(t *testing.T) {
	svc, mem, _, _ := newService(t)
	conv := open(t, svc)

	assert.Equal(t, models.StatusWaitingAgent, conv.Status)
	got, err := mem.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingAgent, got.Status)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to models.Status
		ok       bool
	}{
		{models.StatusWaitingAgent, models.StatusActive, true},
		{models.StatusActive, models.StatusWaitingCustomer, true},
		{models.StatusWaitingCustomer, models.StatusActive, true},
		{models.StatusActive, models.StatusOnHold, true},
		{models.StatusOnHold, models.StatusActive, true},
		{models.StatusOnHold, models.StatusClosed, true},
		{models.StatusWaitingAgent, models.StatusWaitingCustomer, false},
		{models.StatusClosed, models.StatusActive, false},
		{models.StatusClosed, models.StatusOnHold, false},
		{models.StatusActive, models.StatusWaitingAgent, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	svc, _, _, _ := newService(t)
	conv := open(t, svc)

	err := svc.Transition(context.Background(), conv.ID, models.StatusWaitingCustomer)
	assert.ErrorIs(t, err, chaterr.ErrInvalidTransition)
}

func TestTransitionSameStatusIsIdempotent(t *testing.T) {
	svc, _, pub, _ := newService(t)
	conv := open(t, svc)

	require.NoError(t, svc.Transition(context.Background(), conv.ID, models.StatusWaitingAgent))
	assert.Empty(t, pub.frameTypes(), "no-op transition publishes nothing")
}

func TestHoldFromAnyOpenState(t *testing.T) {
	svc, mem, _, _ := newService(t)
	conv := open(t, svc)

	require.NoError(t, svc.Hold(context.Background(), conv.ID))
	got, err := mem.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnHold, got.Status)
}

func TestRateAndCloseAttachesRatingAtomically(t *testing.T) {
	svc, mem, pub, _ := newService(t)
	conv := open(t, svc)

	require.NoError(t, svc.RateAndClose(context.Background(), conv.ID, 5, "great help"))

	got, err := mem.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	require.NotNil(t, got.Rating)
	assert.Equal(t, 5, got.Rating.Score)
	assert.Equal(t, "great help", got.Rating.Feedback)
	assert.NotNil(t, got.ClosedAt)

	types := pub.frameTypes()
	assert.Contains(t, types, event.TypeConversationUpdated)
	assert.Contains(t, types, event.TypeRatingRecorded)
}

func TestRateAndCloseTwiceFailsAlreadyRated(t *testing.T) {
	svc, _, _, _ := newService(t)
	conv := open(t, svc)

	require.NoError(t, svc.RateAndClose(context.Background(), conv.ID, 4, ""))
	err := svc.RateAndClose(context.Background(), conv.ID, 5, "changed my mind")
	assert.ErrorIs(t, err, chaterr.ErrAlreadyRated)
}

func TestRateAndCloseRejectsOutOfRangeScore(t *testing.T) {
	svc, mem, _, _ := newService(t)
	conv := open(t, svc)

	assert.Error(t, svc.RateAndClose(context.Background(), conv.ID, 0, ""))
	assert.Error(t, svc.RateAndClose(context.Background(), conv.ID, 6, ""))

	got, err := mem.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.False(t, got.Closed(), "rejected rating must not close the conversation")
}

func TestCloseAppendsSystemMessageBeforeClosing(t *testing.T) {
	svc, mem, pub, _ := newService(t)
	conv := open(t, svc)

	require.NoError(t, svc.Close(context.Background(), conv.ID))

	require.Len(t, pub.system, 1)
	msgs, err := mem.List(context.Background(), conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the closing notice made it into the immutable log")
	assert.Equal(t, models.SenderSystem, msgs[0].Sender)
}

func TestCloseReleasesAssignedAgentSlot(t *testing.T) {
	svc, mem, _, rel := newService(t)
	conv := open(t, svc)
	agent := uuid.New()
	require.NoError(t, mem.SetAssignee(context.Background(), conv.ID, &agent, models.StatusActive))

	require.NoError(t, svc.Close(context.Background(), conv.ID))
	require.Len(t, rel.released, 1)
	assert.Equal(t, conv.ID, rel.released[0])
}

func TestCloseUnassignedDoesNotRelease(t *testing.T) {
	svc, _, _, rel := newService(t)
	conv := open(t, svc)

	require.NoError(t, svc.Close(context.Background(), conv.ID))
	assert.Empty(t, rel.released)
}

func TestSetPriorityAndTagsPublishPatches(t *testing.T) {
	svc, mem, pub, _ := newService(t)
	conv := open(t, svc)

	require.NoError(t, svc.SetPriority(context.Background(), conv.ID, models.PriorityUrgent))
	require.NoError(t, svc.SetTags(context.Background(), conv.ID, []string{"refund", "vip"}))

	got, err := mem.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityUrgent, got.Priority)
	assert.Equal(t, []string{"refund", "vip"}, got.Tags)
	assert.Len(t, pub.frameTypes(), 2)
}

func TestEditsRejectedAfterClose(t *testing.T) {
	svc, _, _, _ := newService(t)
	conv := open(t, svc)
	require.NoError(t, svc.Close(context.Background(), conv.ID))

	assert.ErrorIs(t, svc.SetPriority(context.Background(), conv.ID, models.PriorityHigh), chaterr.ErrConversationClosed)
	assert.ErrorIs(t, svc.SetTags(context.Background(), conv.ID, []string{"x"}), chaterr.ErrConversationClosed)

	err := svc.Transition(context.Background(), conv.ID, models.StatusActive)
	assert.ErrorIs(t, err, chaterr.ErrInvalidTransition)
}
