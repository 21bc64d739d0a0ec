// Package registry tracks live connections and derives presence.
//
// One identity may hold several simultaneous connections (multi-tab,
// multi-device), so the registry keeps both directions: connection → conn
// record and identity → set of connections. Presence is derived, not
// stored: an identity is online iff its connection set is non-empty, and
// the registry is the sole owner of that derivation.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/models"
	"go.uber.org/zap"
)

// Sink is where delivered frames go. The ws client implements it by
// queueing onto its write pump; tests implement it with a slice.
type Sink interface {
	Deliver(frame event.Frame) error
}

// Conn is one registered connection.
type Conn struct {
	ID          string
	IdentityID  uuid.UUID
	Role        models.Role
	ConnectedAt time.Time
	sink        Sink
}

// Deliver pushes a frame down this connection.
func (c *Conn) Deliver(frame event.Frame) error {
	return c.sink.Deliver(frame)
}

// PresenceEvent is emitted ONLY when an identity's online/offline status
// actually flips — a second tab opening while the first is still
// connected does not produce one.
type PresenceEvent struct {
	IdentityID uuid.UUID
	Role       models.Role
	Online     bool
	At         time.Time
}

type Registry struct {
	mu         sync.RWMutex
	byConn     map[string]*Conn
	byIdentity map[uuid.UUID]map[string]*Conn

	events chan PresenceEvent
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		byConn:     make(map[string]*Conn),
		byIdentity: make(map[uuid.UUID]map[string]*Conn),
		events:     make(chan PresenceEvent, 256),
		logger:     logger,
	}
}

// Events is the presence-flip channel the presence tracker consumes in
// its dispatcher loop.
func (r *Registry) Events() <-chan PresenceEvent {
	return r.events
}

// Register adds a connection. Idempotent per connection id: registering
// the same id again replaces the record without emitting a second
// online event.
func (r *Registry) Register(identityID uuid.UUID, role models.Role, connID string, sink Sink) *Conn {
	r.mu.Lock()

	conn := &Conn{
		ID:          connID,
		IdentityID:  identityID,
		Role:        role,
		ConnectedAt: time.Now(),
		sink:        sink,
	}

	_, replaced := r.byConn[connID]
	r.byConn[connID] = conn

	set, wasOnline := r.byIdentity[identityID]
	if set == nil {
		set = make(map[string]*Conn)
		r.byIdentity[identityID] = set
	}
	set[connID] = conn

	flipped := !wasOnline && !replaced
	r.mu.Unlock()

	if flipped {
		r.emit(PresenceEvent{IdentityID: identityID, Role: role, Online: true, At: conn.ConnectedAt})
	}
	return conn
}

// Unregister removes a connection. Unknown ids are a no-op, not an
// error — duplicate disconnect events are normal (read pump error plus
// explicit close both fire).
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()

	conn, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)

	flipped := false
	if set := r.byIdentity[conn.IdentityID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byIdentity, conn.IdentityID)
			flipped = true
		}
	}
	r.mu.Unlock()

	if flipped {
		r.emit(PresenceEvent{IdentityID: conn.IdentityID, Role: conn.Role, Online: false, At: time.Now()})
	}
}

// ConnectionsFor returns the open connections of an identity.
func (r *Registry) ConnectionsFor(identityID uuid.UUID) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byIdentity[identityID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the identity has at least one open connection.
func (r *Registry) IsOnline(identityID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

// OnlineByRole lists online identities with the given role. The
// assignment manager uses it to enumerate candidate agents.
func (r *Registry) OnlineByRole(role models.Role) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uuid.UUID]struct{})
	out := make([]uuid.UUID, 0)
	for identity, set := range r.byIdentity {
		for _, c := range set {
			if c.Role == role {
				if _, dup := seen[identity]; !dup {
					seen[identity] = struct{}{}
					out = append(out, identity)
				}
				break
			}
		}
	}
	return out
}

// Deliver fans a frame out to every open connection of an identity and
// returns how many writes succeeded. A failed write means the connection
// died between lookup and write — an expected race, logged and tolerated.
func (r *Registry) Deliver(identityID uuid.UUID, frame event.Frame) int {
	delivered := 0
	for _, conn := range r.ConnectionsFor(identityID) {
		if err := conn.Deliver(frame); err != nil {
			r.logger.Debug("delivery to dead connection skipped",
				zap.String("conn_id", conn.ID),
				zap.String("identity_id", identityID.String()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) emit(ev PresenceEvent) {
	select {
	case r.events <- ev:
	default:
		// A stalled consumer must not block register/unregister paths.
		r.logger.Warn("presence event dropped, consumer lagging",
			zap.String("identity_id", ev.IdentityID.String()),
			zap.Bool("online", ev.Online),
		)
	}
}
