// Package event defines the frames pushed to subscribed connections.
//
// Every outbound write on a WebSocket is one Frame: a closed type tag
// plus a payload. Inbound frames reuse the same envelope (see
// internal/ws). One envelope both ways keeps client dispatch a single
// switch on Type.
package event

// Outbound frame types.
const (
	TypeNewMessage          = "new_message"
	TypePresenceChanged     = "presence_changed"
	TypeTypingChanged       = "typing_changed"
	TypeConversationUpdated = "conversation_updated"
	TypeRatingRecorded      = "rating_recorded"
	TypeNotification        = "notification"
	TypeError               = "error"
	TypeAck                 = "ack"
)

type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func New(frameType string, payload any) Frame {
	return Frame{Type: frameType, Payload: payload}
}

// ErrorPayload is what a rejected inbound frame gets back.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
