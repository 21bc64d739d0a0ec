package ws

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/chaterr"
)

// Inbound frame types. Outbound types live in internal/event; both
// directions share the {type, payload} envelope.
const (
	inSendMessage = "send_message"
	inMarkRead    = "mark_read"
	inSetTyping   = "set_typing"
	inRateClose   = "rate_and_close"
	inClose       = "close_conversation"
	inAssign      = "assign"
	inSubscribe   = "subscribe"
	inUnsubscribe = "unsubscribe"
)

// inboundFrame defers payload decoding until the type is known — one
// envelope, one switch, per-type payload structs.
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type sendMessagePayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Content        string    `json:"content"`
	IsNote         bool      `json:"is_note"`
	ClientKey      string    `json:"client_key"`
}

type markReadPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UptoSequence   int64     `json:"upto_sequence"`
}

type setTypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	IsTyping       bool      `json:"is_typing"`
}

type rateClosePayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Score          int       `json:"score"`
	Feedback       string    `json:"feedback"`
}

type conversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type assignPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	AgentID        uuid.UUID `json:"agent_id"`
}

type ackPayload struct {
	Op             string    `json:"op"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Sequence       int64     `json:"sequence,omitempty"`
	Watermark      int64     `json:"watermark,omitempty"`
	ClientKey      string    `json:"client_key,omitempty"`
}

// errorCode maps the error taxonomy onto wire codes the widget switches
// on. Infrastructure detail stays server-side; the client sees the code
// plus a displayable message.
func errorCode(err error) string {
	switch {
	case errors.Is(err, chaterr.ErrForbidden):
		return "forbidden"
	case errors.Is(err, chaterr.ErrConversationClosed):
		return "conversation_closed"
	case errors.Is(err, chaterr.ErrAlreadyRated):
		return "already_rated"
	case errors.Is(err, chaterr.ErrAgentUnavailable):
		return "agent_unavailable"
	case errors.Is(err, chaterr.ErrNotFound):
		return "not_found"
	case errors.Is(err, chaterr.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, chaterr.ErrPersistenceFailure):
		return "persistence_failure"
	default:
		return "internal"
	}
}
