package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/chaterr"
	"github.com/lalith-99/storechat/internal/lifecycle"
	"github.com/lalith-99/storechat/internal/middleware"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/repository"
	"github.com/lalith-99/storechat/internal/search"
	"go.uber.org/zap"
)

// Assigner lets the create handler try an immediate match without
// importing the assignment manager's concrete type.
type Assigner interface {
	Assign(ctx context.Context, conversationID uuid.UUID) (uuid.UUID, error)
}

// ConversationHandler serves the read-side query surface plus the one
// write the widget does over REST: opening a conversation before its
// first WebSocket message.
type ConversationHandler struct {
	search    *search.Service
	lifecycle *lifecycle.Service
	assigner  Assigner
	store     repository.Store
	logger    *zap.Logger
}

func NewConversationHandler(
	svc *search.Service,
	lc *lifecycle.Service,
	assigner Assigner,
	store repository.Store,
	logger *zap.Logger,
) *ConversationHandler {
	return &ConversationHandler{search: svc, lifecycle: lc, assigner: assigner, store: store, logger: logger}
}

type createConversationRequest struct {
	Channel       models.Channel `json:"channel" binding:"required"`
	CustomerName  string         `json:"customer_name"`
	CustomerEmail string         `json:"customer_email"`
	CustomerPhone string         `json:"customer_phone"`
	OrderNumber   string         `json:"order_number"`
}

// Create handles POST /v1/conversations (customer only).
//
// The flow: open the conversation (status waiting_for_agent), then try
// to match an agent right away. No agent online is NOT an error — the
// conversation stays queued and the sweep or the next agent-online
// event will pick it up.
func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Channel {
	case models.ChannelSite, models.ChannelWhatsApp, models.ChannelEmail, models.ChannelPhone:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
		return
	}

	conv, err := h.lifecycle.Open(c.Request.Context(), repository.CreateConversation{
		CustomerID:    middleware.GetIdentityID(c),
		Channel:       req.Channel,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		OrderNumber:   req.OrderNumber,
	})
	if err != nil {
		h.logger.Error("failed to open conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open conversation"})
		return
	}

	if agentID, err := h.assigner.Assign(c.Request.Context(), conv.ID); err == nil {
		conv.AssigneeID = &agentID
		conv.Status = models.StatusActive
	}

	c.JSON(http.StatusCreated, conv)
}

// List handles GET /v1/conversations — the operator console search.
// Filters come in as query params; free-text results are relevance-
// ranked, everything else falls back to last_message_at descending.
func (h *ConversationHandler) List(c *gin.Context) {
	filter := models.SearchFilter{
		Text:     c.Query("q"),
		Status:   models.Status(c.Query("status")),
		Priority: models.Priority(c.Query("priority")),
		Channel:  models.Channel(c.Query("channel")),
	}
	if a := c.Query("assignee"); a != "" {
		id, err := uuid.Parse(a)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'assignee' parameter"})
			return
		}
		filter.Assignee = id
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		filter.Limit = n
	}

	convs, err := h.search.Search(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to search conversations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search conversations"})
		return
	}
	c.JSON(http.StatusOK, convs)
}

// GetByID handles GET /v1/conversations/:id. Customers only see their
// own conversation; operators see any. The response includes the
// viewer's derived unread count.
func (h *ConversationHandler) GetByID(c *gin.Context) {
	conv, ok := h.loadAuthorized(c)
	if !ok {
		return
	}

	viewerID := middleware.GetIdentityID(c)
	includeNotes := middleware.GetRole(c) != models.RoleCustomer
	unread, err := h.store.ReadMarks.UnreadCount(c.Request.Context(), conv.ID, viewerID, includeNotes)
	if err != nil {
		h.logger.Error("failed to derive unread count", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"unread_count": unread,
	})
}

// Messages handles GET /v1/conversations/:id/messages?after=0&limit=100.
// The cursor is a sequence number: "give me everything after sequence N,
// in order". Internal notes never reach a customer viewer.
func (h *ConversationHandler) Messages(c *gin.Context) {
	conv, ok := h.loadAuthorized(c)
	if !ok {
		return
	}

	var after int64
	if a := c.Query("after"); a != "" {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'after' parameter"})
			return
		}
		after = n
	}
	limit := 100
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		limit = n
	}

	messages, err := h.search.Messages(c.Request.Context(), conv.ID, after, limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	if middleware.GetRole(c) == models.RoleCustomer {
		visible := make([]models.Message, 0, len(messages))
		for _, m := range messages {
			if !m.IsNote {
				visible = append(visible, m)
			}
		}
		messages = visible
	}
	c.JSON(http.StatusOK, messages)
}

type updateConversationRequest struct {
	Priority models.Priority `json:"priority"`
	Tags     []string        `json:"tags"`
}

// Update handles PATCH /v1/conversations/:id — the operator console's
// priority and tag edits. Only the fields present in the body change.
func (h *ConversationHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Priority == "" && req.Tags == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	if req.Priority != "" {
		switch req.Priority {
		case models.PriorityLow, models.PriorityMedium, models.PriorityHigh, models.PriorityUrgent:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown priority"})
			return
		}
		if err := h.lifecycle.SetPriority(c.Request.Context(), id, req.Priority); err != nil {
			h.writeUpdateError(c, err)
			return
		}
	}
	if req.Tags != nil {
		if err := h.lifecycle.SetTags(c.Request.Context(), id, req.Tags); err != nil {
			h.writeUpdateError(c, err)
			return
		}
	}

	conv, err := h.store.Conversations.Get(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to reload conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) writeUpdateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chaterr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, chaterr.ErrConversationClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "conversation is closed"})
	default:
		h.logger.Error("failed to update conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update conversation"})
	}
}

// loadAuthorized resolves :id and enforces the viewer rule. On failure
// it has already written the response.
func (h *ConversationHandler) loadAuthorized(c *gin.Context) (*models.Conversation, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return nil, false
	}

	conv, err := h.store.Conversations.Get(c.Request.Context(), id)
	if err != nil {
		if chaterr.Rejection(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		} else {
			h.logger.Error("failed to get conversation", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get conversation"})
		}
		return nil, false
	}

	if middleware.GetRole(c) == models.RoleCustomer && conv.CustomerID != middleware.GetIdentityID(c) {
		// 404, not 403: don't confirm the conversation exists.
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return nil, false
	}
	return conv, true
}
