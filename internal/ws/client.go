package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/models"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 16 * 1024
	sendBuffer     = 64
)

var errSendBufferFull = errors.New("send buffer full")

// Client is one WebSocket connection: a read pump feeding the gateway
// and a write pump draining the send channel. All outbound writes go
// through Deliver — gorilla connections allow only one concurrent
// writer, and the single write pump is what enforces that.
type Client struct {
	ConnID     string
	IdentityID uuid.UUID
	Role       models.Role

	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	logger  *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(g *Gateway, conn *websocket.Conn, identityID uuid.UUID, role models.Role) *Client {
	return &Client{
		ConnID:     uuid.NewString(),
		IdentityID: identityID,
		Role:       role,
		gateway:    g,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		logger:     g.logger,
		closed:     make(chan struct{}),
	}
}

// Deliver implements registry.Sink: marshal and queue for the write
// pump. A full buffer means the client stopped draining — dropping the
// frame (and reporting it) beats blocking the router's fan-out loop.
func (c *Client) Deliver(frame event.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// readPump consumes inbound frames until the connection dies, then
// unregisters. It is the connection's dispatcher loop: frames are
// handled strictly in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.gateway.disconnect(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("conn_id", c.ConnID),
					zap.Error(err),
				)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("bad_frame", "frame is not valid JSON", "")
			continue
		}
		c.gateway.handleFrame(c, frame)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings. One goroutine per connection; exits when the channel source
// (registry unregister) or the peer goes away.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendFrame(frame event.Frame) {
	if err := c.Deliver(frame); err != nil {
		c.logger.Debug("frame to closing connection dropped",
			zap.String("conn_id", c.ConnID),
			zap.String("type", frame.Type),
		)
	}
}

func (c *Client) sendError(code, message, clientKey string) {
	payload := event.ErrorPayload{Code: code, Message: message}
	if clientKey != "" {
		c.sendFrame(event.New(event.TypeError, struct {
			event.ErrorPayload
			ClientKey string `json:"client_key"`
		}{payload, clientKey}))
		return
	}
	c.sendFrame(event.New(event.TypeError, payload))
}
