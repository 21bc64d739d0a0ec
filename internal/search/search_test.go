package search

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/repository"
	"github.com/lalith-99/storechat/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seed(t *testing.T, mem *memory.Store, params repository.CreateConversation) *models.Conversation {
	t.Helper()
	conv, err := mem.Create(context.Background(), params)
	require.NoError(t, err)
	return conv
}

func TestSearchRanksIdentityFieldsAboveTags(t *testing.T) {
	mem := memory.New()
	svc := NewService(mem.Bundle(), zap.NewNop())

	exact := seed(t, mem, repository.CreateConversation{
		CustomerID: uuid.New(), Channel: models.ChannelSite, CustomerName: "smith",
	})
	prefix := seed(t, mem, repository.CreateConversation{
		CustomerID: uuid.New(), Channel: models.ChannelSite, CustomerName: "smithson jones",
	})
	substring := seed(t, mem, repository.CreateConversation{
		CustomerID: uuid.New(), Channel: models.ChannelSite, CustomerEmail: "anna.smith@example.com",
	})
	tagged := seed(t, mem, repository.CreateConversation{
		CustomerID: uuid.New(), Channel: models.ChannelSite, CustomerName: "Carlos", Tags: []string{"smith"},
	})

	got, err := svc.Search(context.Background(), models.SearchFilter{Text: "smith"})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, exact.ID, got[0].ID, "exact name match first")
	assert.Equal(t, prefix.ID, got[1].ID, "prefix match second")
	assert.Equal(t, substring.ID, got[2].ID, "substring match third")
	assert.Equal(t, tagged.ID, got[3].ID, "tag match last")
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	mem := memory.New()
	svc := NewService(mem.Bundle(), zap.NewNop())
	conv := seed(t, mem, repository.CreateConversation{
		CustomerID: uuid.New(), Channel: models.ChannelSite, CustomerName: "Maria LOPEZ",
	})

	got, err := svc.Search(context.Background(), models.SearchFilter{Text: "maria lopez"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, conv.ID, got[0].ID)
}

func TestSearchWithoutTextKeepsStoreOrdering(t *testing.T) {
	mem := memory.New()
	svc := NewService(mem.Bundle(), zap.NewNop())

	older := seed(t, mem, repository.CreateConversation{CustomerID: uuid.New(), Channel: models.ChannelSite})
	time.Sleep(2 * time.Millisecond)
	newer := seed(t, mem, repository.CreateConversation{CustomerID: uuid.New(), Channel: models.ChannelSite})

	got, err := svc.Search(context.Background(), models.SearchFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID, "most recent activity first")
	assert.Equal(t, older.ID, got[1].ID)
}

func TestSearchCombinesTextAndStructuredFilters(t *testing.T) {
	mem := memory.New()
	svc := NewService(mem.Bundle(), zap.NewNop())

	match := seed(t, mem, repository.CreateConversation{
		CustomerID: uuid.New(), Channel: models.ChannelWhatsApp, CustomerName: "Dana",
	})
	// Same name, wrong channel.
	seed(t, mem, repository.CreateConversation{
		CustomerID: uuid.New(), Channel: models.ChannelSite, CustomerName: "Dana",
	})

	got, err := svc.Search(context.Background(), models.SearchFilter{Text: "dana", Channel: models.ChannelWhatsApp})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, match.ID, got[0].ID)
}

func TestAgentMetrics(t *testing.T) {
	mem := memory.New()
	svc := NewService(mem.Bundle(), zap.NewNop())
	ctx := context.Background()
	agent := uuid.New()

	// Conversation 1: resolved with a rating and an agent reply.
	rated := seed(t, mem, repository.CreateConversation{CustomerID: uuid.New(), Channel: models.ChannelSite})
	require.NoError(t, mem.SetAssignee(ctx, rated.ID, &agent, models.StatusActive))
	require.NoError(t, mem.Append(ctx, &models.Message{
		ConversationID: rated.ID, Sender: models.SenderCustomer, SenderID: rated.CustomerID, Content: "help",
	}))
	require.NoError(t, mem.Append(ctx, &models.Message{
		ConversationID: rated.ID, Sender: models.SenderAgent, SenderID: agent, Content: "on it",
	}))
	require.NoError(t, mem.Close(ctx, rated.ID, &models.Rating{Score: 4, RatedAt: time.Now()}, time.Now()))

	// Conversation 2: still open, no reply yet.
	open := seed(t, mem, repository.CreateConversation{CustomerID: uuid.New(), Channel: models.ChannelSite})
	require.NoError(t, mem.SetAssignee(ctx, open.ID, &agent, models.StatusActive))

	// Another agent's conversation must not count.
	other := uuid.New()
	theirs := seed(t, mem, repository.CreateConversation{CustomerID: uuid.New(), Channel: models.ChannelSite})
	require.NoError(t, mem.SetAssignee(ctx, theirs.ID, &other, models.StatusActive))

	m, err := svc.AgentMetrics(ctx, agent, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Handled)
	assert.Equal(t, 1, m.Resolved)
	assert.InDelta(t, 0.5, m.ResolutionRate, 0.001)
	assert.Equal(t, 1, m.RatedCount)
	assert.InDelta(t, 4.0, m.Satisfaction, 0.001)
	assert.GreaterOrEqual(t, m.AvgResponseTime, time.Duration(0))
}

func TestAgentMetricsEmptyPeriod(t *testing.T) {
	mem := memory.New()
	svc := NewService(mem.Bundle(), zap.NewNop())

	m, err := svc.AgentMetrics(context.Background(), uuid.New(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, m.Handled)
	assert.Zero(t, m.ResolutionRate)
	assert.Zero(t, m.Satisfaction)
}
