// Package ws is the WebSocket gateway: it upgrades connections, binds
// them to identities from the JWT, and dispatches inbound frames to the
// engine services.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/storechat/internal/assign"
	"github.com/lalith-99/storechat/internal/chaterr"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/lifecycle"
	"github.com/lalith-99/storechat/internal/middleware"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/presence"
	"github.com/lalith-99/storechat/internal/registry"
	"github.com/lalith-99/storechat/internal/repository"
	"github.com/lalith-99/storechat/internal/router"
	"go.uber.org/zap"
)

// opTimeout bounds every store-touching frame handler. A slow database
// must not pin a connection's dispatcher loop forever.
const opTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The widget is embedded on the storefront, which runs on a different
	// origin in every deployment; origin policy is enforced by the token,
	// not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

type Gateway struct {
	registry  *registry.Registry
	router    *router.Router
	lifecycle *lifecycle.Service
	assign    *assign.Manager
	presence  *presence.Tracker
	store     repository.Store
	logger    *zap.Logger
}

func NewGateway(
	reg *registry.Registry,
	rt *router.Router,
	lc *lifecycle.Service,
	am *assign.Manager,
	pt *presence.Tracker,
	store repository.Store,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		registry:  reg,
		router:    rt,
		lifecycle: lc,
		assign:    am,
		presence:  pt,
		store:     store,
		logger:    logger,
	}
}

// Handle is the GET /v1/ws endpoint. AuthMiddleware ran first, so the
// claims are already in the gin context.
func (g *Gateway) Handle(c *gin.Context) {
	identityID := middleware.GetIdentityID(c)
	role := middleware.GetRole(c)
	if identityID == uuid.Nil || role == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(g, conn, identityID, role)
	g.registry.Register(identityID, role, client.ConnID, client)

	g.logger.Info("connection opened",
		zap.String("conn_id", client.ConnID),
		zap.String("identity_id", identityID.String()),
		zap.String("role", string(role)),
	)

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) disconnect(c *Client) {
	g.registry.Unregister(c.ConnID)
	g.logger.Info("connection closed",
		zap.String("conn_id", c.ConnID),
		zap.String("identity_id", c.IdentityID.String()),
	)
}

// handleFrame dispatches one inbound frame. It runs on the connection's
// read pump, so frames from one client are handled strictly in order.
func (g *Gateway) handleFrame(c *Client, frame inboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch frame.Type {
	case inSendMessage:
		g.onSendMessage(ctx, c, frame)
	case inMarkRead:
		g.onMarkRead(ctx, c, frame)
	case inSetTyping:
		g.onSetTyping(ctx, c, frame)
	case inRateClose:
		g.onRateAndClose(ctx, c, frame)
	case inClose:
		g.onClose(ctx, c, frame)
	case inAssign:
		g.onAssign(ctx, c, frame)
	case inSubscribe, inUnsubscribe:
		g.onSubscription(ctx, c, frame)
	case "hold":
		g.onHold(ctx, c, frame)
	default:
		c.sendError("bad_frame", "unknown frame type "+frame.Type, "")
	}
}

func (g *Gateway) onSendMessage(ctx context.Context, c *Client, frame inboundFrame) {
	var p sendMessagePayload
	if err := decode(frame, &p); err != nil {
		c.sendError("bad_frame", err.Error(), "")
		return
	}

	msg, err := g.router.Send(ctx, router.SendInput{
		ConversationID: p.ConversationID,
		SenderID:       c.IdentityID,
		SenderRole:     c.Role,
		Content:        p.Content,
		IsNote:         p.IsNote,
		ClientKey:      p.ClientKey,
	})
	if err != nil {
		g.reject(c, err, p.ClientKey)
		return
	}
	c.sendFrame(event.New(event.TypeAck, ackPayload{
		Op:             inSendMessage,
		ConversationID: p.ConversationID,
		Sequence:       msg.Sequence,
		ClientKey:      p.ClientKey,
	}))
}

func (g *Gateway) onMarkRead(ctx context.Context, c *Client, frame inboundFrame) {
	var p markReadPayload
	if err := decode(frame, &p); err != nil {
		c.sendError("bad_frame", err.Error(), "")
		return
	}
	if err := g.authorize(ctx, p.ConversationID, c); err != nil {
		g.reject(c, err, "")
		return
	}

	watermark, err := g.store.ReadMarks.MarkRead(ctx, p.ConversationID, c.IdentityID, p.UptoSequence)
	if err != nil {
		g.reject(c, err, "")
		return
	}
	c.sendFrame(event.New(event.TypeAck, ackPayload{
		Op:             inMarkRead,
		ConversationID: p.ConversationID,
		Watermark:      watermark,
	}))
}

func (g *Gateway) onSetTyping(ctx context.Context, c *Client, frame inboundFrame) {
	var p setTypingPayload
	if err := decode(frame, &p); err != nil {
		c.sendError("bad_frame", err.Error(), "")
		return
	}
	if err := g.authorize(ctx, p.ConversationID, c); err != nil {
		g.reject(c, err, "")
		return
	}
	g.presence.SetTyping(ctx, p.ConversationID, c.IdentityID, p.IsTyping)
}

func (g *Gateway) onRateAndClose(ctx context.Context, c *Client, frame inboundFrame) {
	var p rateClosePayload
	if err := decode(frame, &p); err != nil {
		c.sendError("bad_frame", err.Error(), "")
		return
	}

	// Rate-and-close is the CUSTOMER's flow; agents close without rating.
	conv, err := g.store.Conversations.Get(ctx, p.ConversationID)
	if err != nil {
		g.reject(c, err, "")
		return
	}
	if c.Role != models.RoleCustomer || conv.CustomerID != c.IdentityID {
		g.reject(c, chaterr.ErrForbidden, "")
		return
	}

	if err := g.lifecycle.RateAndClose(ctx, p.ConversationID, p.Score, p.Feedback); err != nil {
		g.reject(c, err, "")
		return
	}
	c.sendFrame(event.New(event.TypeAck, ackPayload{Op: inRateClose, ConversationID: p.ConversationID}))
}

func (g *Gateway) onClose(ctx context.Context, c *Client, frame inboundFrame) {
	var p conversationPayload
	if err := decode(frame, &p); err != nil {
		c.sendError("bad_frame", err.Error(), "")
		return
	}
	if c.Role == models.RoleCustomer {
		g.reject(c, chaterr.ErrForbidden, "")
		return
	}
	if err := g.authorize(ctx, p.ConversationID, c); err != nil {
		g.reject(c, err, "")
		return
	}
	if err := g.lifecycle.Close(ctx, p.ConversationID); err != nil {
		g.reject(c, err, "")
		return
	}
	c.sendFrame(event.New(event.TypeAck, ackPayload{Op: inClose, ConversationID: p.ConversationID}))
}

func (g *Gateway) onHold(ctx context.Context, c *Client, frame inboundFrame) {
	var p conversationPayload
	if err := decode(frame, &p); err != nil {
		c.sendError("bad_frame", err.Error(), "")
		return
	}
	if c.Role == models.RoleCustomer {
		g.reject(c, chaterr.ErrForbidden, "")
		return
	}
	if err := g.authorize(ctx, p.ConversationID, c); err != nil {
		g.reject(c, err, "")
		return
	}
	if err := g.lifecycle.Hold(ctx, p.ConversationID); err != nil {
		g.reject(c, err, "")
		return
	}
}

func (g *Gateway) onAssign(ctx context.Context, c *Client, frame inboundFrame) {
	var p assignPayload
	if err := decode(frame, &p); err != nil {
		c.sendError("bad_frame", err.Error(), "")
		return
	}
	if c.Role == models.RoleCustomer {
		g.reject(c, chaterr.ErrForbidden, "")
		return
	}
	if err := g.assign.AssignTo(ctx, p.ConversationID, p.AgentID); err != nil {
		g.reject(c, err, "")
		return
	}
	c.sendFrame(event.New(event.TypeAck, ackPayload{Op: inAssign, ConversationID: p.ConversationID}))
}

func (g *Gateway) onSubscription(ctx context.Context, c *Client, frame inboundFrame) {
	var p conversationPayload
	if err := decode(frame, &p); err != nil {
		c.sendError("bad_frame", err.Error(), "")
		return
	}
	if c.Role != models.RoleSupervisor {
		g.reject(c, chaterr.ErrForbidden, "")
		return
	}
	if _, err := g.store.Conversations.Get(ctx, p.ConversationID); err != nil {
		g.reject(c, err, "")
		return
	}
	if frame.Type == inSubscribe {
		g.router.Subscribe(p.ConversationID, c.IdentityID)
	} else {
		g.router.Unsubscribe(p.ConversationID, c.IdentityID)
	}
}

// authorize checks the participant rule for read-side frames: the
// conversation's customer, its current assignee, or any supervisor.
func (g *Gateway) authorize(ctx context.Context, conversationID uuid.UUID, c *Client) error {
	if c.Role == models.RoleSupervisor {
		return nil
	}
	conv, err := g.store.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	switch c.Role {
	case models.RoleCustomer:
		if conv.CustomerID == c.IdentityID {
			return nil
		}
	case models.RoleAgent:
		if conv.AssigneeID != nil && *conv.AssigneeID == c.IdentityID {
			return nil
		}
	}
	return chaterr.ErrForbidden
}

func (g *Gateway) reject(c *Client, err error, clientKey string) {
	if !chaterr.Rejection(err) {
		g.logger.Error("frame handling failed",
			zap.String("conn_id", c.ConnID),
			zap.Error(err),
		)
	}
	c.sendError(errorCode(err), err.Error(), clientKey)
}

func decode(frame inboundFrame, into any) error {
	if len(frame.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(frame.Payload, into)
}
