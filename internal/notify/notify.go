// Package notify decides, per recipient and per event, whether to emit a
// sound/desktop notification.
//
// The decision gates EMISSION only. Every event is recorded to the
// recipient's in-app feed (a Redis list) no matter what — quiet hours and
// do-not-disturb must never eat an unread badge, and message delivery
// itself never goes through here at all.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/registry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	feedKeyPrefix = "notify:feed:"
	feedMaxLen    = 100
	feedTTL       = 30 * 24 * time.Hour
)

// Notification is one feed entry; Emit records what the decision was at
// dispatch time (useful when debugging "why didn't I hear a ping").
type Notification struct {
	ID        uuid.UUID               `json:"id"`
	Type      models.NotificationType `json:"type"`
	Payload   any                     `json:"payload,omitempty"`
	Emit      bool                    `json:"emit"`
	Sound     bool                    `json:"sound"`
	Desktop   bool                    `json:"desktop"`
	CreatedAt time.Time               `json:"created_at"`
}

type Dispatcher struct {
	registry *registry.Registry
	rdb      *redis.Client
	logger   *zap.Logger

	// injectable for quiet-hours tests
	now func() time.Time

	mu       sync.RWMutex
	prefs    map[uuid.UUID]models.NotificationPrefs
	defaults models.NotificationPrefs
}

func NewDispatcher(reg *registry.Registry, rdb *redis.Client, defaults models.NotificationPrefs, logger *zap.Logger) *Dispatcher {
	if defaults.Types == nil {
		defaults.Types = DefaultTypes()
	}
	return &Dispatcher{
		registry: reg,
		rdb:      rdb,
		logger:   logger,
		now:      time.Now,
		prefs:    make(map[uuid.UUID]models.NotificationPrefs),
		defaults: defaults,
	}
}

// DefaultTypes enables every event type; recipients opt out per type.
func DefaultTypes() map[models.NotificationType]bool {
	return map[models.NotificationType]bool{
		models.NotifyNewMessage: true,
		models.NotifyMention:    true,
		models.NotifyAssignment: true,
		models.NotifyUrgent:     true,
		models.NotifySystem:     true,
	}
}

// Notify records the event and, if the recipient's prefs allow it right
// now, pushes a notification frame to their connections. Callers treat
// this as fire-and-forget; errors are logged, never returned, because a
// notification hiccup must not fail the operation that triggered it.
func (d *Dispatcher) Notify(ctx context.Context, identityID uuid.UUID, eventType models.NotificationType, payload any) {
	prefs := d.PrefsFor(identityID)
	emit := d.shouldEmit(prefs, eventType)

	n := Notification{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   payload,
		Emit:      emit,
		Sound:     emit && prefs.SoundEnabled,
		Desktop:   emit && prefs.DesktopNotifications,
		CreatedAt: d.now(),
	}

	// Feed first, emission second: the in-app record exists even for
	// suppressed events.
	if err := d.appendFeed(ctx, identityID, n); err != nil {
		d.logger.Warn("notification feed append failed",
			zap.String("identity_id", identityID.String()),
			zap.Error(err),
		)
	}

	if !emit {
		return
	}
	d.registry.Deliver(identityID, event.New(event.TypeNotification, n))
}

// shouldEmit is the decision function: ALL conditions must hold.
//  1. Not in do-not-disturb.
//  2. Outside the quiet-hours window.
//  3. The event type's toggle is on.
func (d *Dispatcher) shouldEmit(prefs models.NotificationPrefs, eventType models.NotificationType) bool {
	if prefs.DoNotDisturb {
		return false
	}
	if d.inQuietHours(prefs.QuietHours) {
		return false
	}
	enabled, known := prefs.Types[eventType]
	return known && enabled
}

// inQuietHours evaluates the window in the recipient's timezone.
// Start > End means the window wraps midnight: 22:00–08:00 covers
// 23:30 as well as 06:00.
func (d *Dispatcher) inQuietHours(qh models.QuietHours) bool {
	if !qh.Enabled || qh.Start == qh.End {
		return false
	}
	now := d.now()
	if qh.Timezone != "" {
		if loc, err := time.LoadLocation(qh.Timezone); err == nil {
			now = now.In(loc)
		}
	}
	minutes := now.Hour()*60 + now.Minute()
	if qh.Start < qh.End {
		return minutes >= qh.Start && minutes < qh.End
	}
	return minutes >= qh.Start || minutes < qh.End
}

// Feed returns the recipient's most recent notifications, newest first.
func (d *Dispatcher) Feed(ctx context.Context, identityID uuid.UUID, limit int) ([]Notification, error) {
	if limit <= 0 || limit > feedMaxLen {
		limit = feedMaxLen
	}
	raw, err := d.rdb.LRange(ctx, feedKey(identityID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read notification feed: %w", err)
	}
	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			d.logger.Warn("bad feed entry skipped", zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// PrefsFor returns the identity's prefs, falling back to the configured
// defaults. The returned value is a copy; mutate via SetPrefs.
func (d *Dispatcher) PrefsFor(identityID uuid.UUID) models.NotificationPrefs {
	d.mu.RLock()
	prefs, ok := d.prefs[identityID]
	d.mu.RUnlock()
	if !ok {
		prefs = d.defaults
	}
	return clonePrefs(prefs)
}

func (d *Dispatcher) SetPrefs(identityID uuid.UUID, prefs models.NotificationPrefs) {
	if prefs.Types == nil {
		prefs.Types = DefaultTypes()
	}
	d.mu.Lock()
	d.prefs[identityID] = clonePrefs(prefs)
	d.mu.Unlock()
}

func (d *Dispatcher) appendFeed(ctx context.Context, identityID uuid.UUID, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	key := feedKey(identityID)
	pipe := d.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, feedMaxLen-1)
	pipe.Expire(ctx, key, feedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push notification: %w", err)
	}
	return nil
}

func feedKey(identityID uuid.UUID) string {
	return feedKeyPrefix + identityID.String()
}

func clonePrefs(p models.NotificationPrefs) models.NotificationPrefs {
	types := make(map[models.NotificationType]bool, len(p.Types))
	for k, v := range p.Types {
		types[k] = v
	}
	p.Types = types
	return p
}
