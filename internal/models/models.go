package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is who a connection or message sender represents.
//
// Why a typed string and not plain "customer"/"agent" literals?
//   - The original widget code sent 'admin' in some places and 'agent' in
//     others and every consumer re-interpreted the string. Resolving the
//     role ONCE at ingestion into a closed set means downstream code can
//     switch on it without defensive string matching.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
)

// Sender is the author tag on a message. It is narrower than Role:
// supervisors write as agents, and the engine itself writes as system.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAgent    Sender = "agent"
	SenderSystem   Sender = "system"
)

// Status is the conversation lifecycle state.
//
//	new → waiting_for_agent → active ⇄ waiting_for_customer ⇄ on_hold → closed
//
// closed is terminal: nothing in this service transitions out of it.
type Status string

const (
	StatusNew             Status = "new"
	StatusWaitingAgent    Status = "waiting_for_agent"
	StatusActive          Status = "active"
	StatusWaitingCustomer Status = "waiting_for_customer"
	StatusOnHold          Status = "on_hold"
	StatusClosed          Status = "closed"
)

// Channel is where the conversation originated.
type Channel string

const (
	ChannelSite     Channel = "site"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelPhone    Channel = "phone"
)

// Priority drives queue ordering and the urgent notification type.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rating is attached exactly once, atomically with the close transition.
// A nil Rating on a closed conversation means the customer skipped it.
type Rating struct {
	Score    int       `json:"score"` // 1..5
	Feedback string    `json:"feedback,omitempty"`
	RatedAt  time.Time `json:"rated_at"`
}

// Conversation is one customer–support interaction.
//
// Why snapshot CustomerName/Email/Phone/OrderNumber here instead of
// joining against an accounts table?
//   - Identity issuance is an external collaborator; this service only
//     ever sees an opaque identity id plus whatever the widget submitted
//     when the conversation was opened. The snapshot is also what the
//     operator console's free-text search runs over.
//
// AssigneeID is a pointer because "unassigned" is a real state
// (waiting_for_agent), not a zero UUID that would pass equality checks
// by accident.
type Conversation struct {
	ID         uuid.UUID  `json:"id"`
	CustomerID uuid.UUID  `json:"customer_id"`
	AssigneeID *uuid.UUID `json:"assignee_id,omitempty"`

	Channel  Channel  `json:"channel"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`
	Tags     []string `json:"tags"`

	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone,omitempty"`
	OrderNumber   string `json:"order_number,omitempty"`

	Rating *Rating `json:"rating,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt time.Time  `json:"last_message_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// Closed reports whether the conversation is in its terminal state.
func (c *Conversation) Closed() bool { return c.Status == StatusClosed }

// HasTag reports whether the tag set contains t. Tags are a set: no
// duplicates, insertion order irrelevant.
func (c *Conversation) HasTag(t string) bool {
	for _, tag := range c.Tags {
		if tag == t {
			return true
		}
	}
	return false
}

// Message is one entry in a conversation's ordered log.
//
// Why both ID and Sequence?
//   - ID is the stable identity of the message (dedup key, URL handle).
//   - Sequence is the per-conversation ordinal: monotonic, gap-free,
//     starting at 1, assigned by the store under the conversation's
//     write lock — never by the client. Watermarks and pagination
//     cursors are expressed in sequences, not IDs.
//
// ClientKey is the temporary id the sending client attached so it can
// reconcile its optimistic local copy with the canonical echo. The
// server round-trips it untouched.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Sequence       int64     `json:"sequence"`

	Sender   Sender    `json:"sender"`
	SenderID uuid.UUID `json:"sender_id"`
	Content  string    `json:"content"`
	IsNote   bool      `json:"is_note"` // agent-internal, never shown to the customer

	ClientKey string `json:"client_key,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// SearchFilter is the operator console's query. Zero values mean
// "don't filter on this".
type SearchFilter struct {
	Text     string    `form:"q"`
	Status   Status    `form:"status"`
	Priority Priority  `form:"priority"`
	Assignee uuid.UUID `form:"assignee"`
	Channel  Channel   `form:"channel"`
	Limit    int       `form:"limit"`
}

// AgentMetrics are derived analytics over a period — computed from
// Conversation/Message timestamps, never stored as separate state.
type AgentMetrics struct {
	AgentID         uuid.UUID     `json:"agent_id"`
	Period          time.Duration `json:"period"`
	Handled         int           `json:"handled"`
	Resolved        int           `json:"resolved"`
	ResolutionRate  float64       `json:"resolution_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	Satisfaction    float64       `json:"satisfaction"` // mean rating score, 0 if unrated
	RatedCount      int           `json:"rated_count"`
}

// NotificationType is the per-event toggle key in notification prefs.
type NotificationType string

const (
	NotifyNewMessage NotificationType = "newMessage"
	NotifyMention    NotificationType = "mention"
	NotifyAssignment NotificationType = "assignment"
	NotifyUrgent     NotificationType = "urgent"
	NotifySystem     NotificationType = "system"
)

// QuietHours is a daily window during which sound/desktop notifications
// are suppressed. Start/End are minutes since midnight in Timezone.
// Start > End means the window wraps across midnight (22:00–08:00).
type QuietHours struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Timezone string `json:"timezone"`
	Enabled  bool   `json:"enabled"`
}

// NotificationPrefs control emission only. Suppression never touches
// unread counts or message delivery — those happen regardless.
type NotificationPrefs struct {
	DoNotDisturb         bool                      `json:"do_not_disturb"`
	QuietHours           QuietHours                `json:"quiet_hours"`
	Types                map[NotificationType]bool `json:"types"`
	SoundEnabled         bool                      `json:"sound_enabled"`
	DesktopNotifications bool                      `json:"desktop_notifications"`
}
