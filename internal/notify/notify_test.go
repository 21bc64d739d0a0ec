package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/event"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureSink struct {
	mu     sync.Mutex
	frames []event.Frame
}

func (s *captureSink) Deliver(frame event.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newDispatcher(t *testing.T) (*Dispatcher, redismock.ClientMock, *registry.Registry) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	reg := registry.New(zap.NewNop())
	d := NewDispatcher(reg, rdb, models.NotificationPrefs{
		Types:                DefaultTypes(),
		SoundEnabled:         true,
		DesktopNotifications: true,
	}, zap.NewNop())
	return d, mock, reg
}

func expectFeedAppend(mock redismock.ClientMock, identityID uuid.UUID) {
	key := feedKeyPrefix + identityID.String()
	mock.Regexp().ExpectTxPipeline()
	mock.Regexp().ExpectLPush(key, `.*`).SetVal(1)
	mock.Regexp().ExpectLTrim(key, 0, feedMaxLen-1).SetVal("OK")
	mock.Regexp().ExpectExpire(key, feedTTL).SetVal(true)
	mock.Regexp().ExpectTxPipelineExec()
}

func TestNotifyEmitsAndRecordsFeed(t *testing.T) {
	d, mock, reg := newDispatcher(t)
	identity := uuid.New()
	sink := &captureSink{}
	reg.Register(identity, models.RoleAgent, "conn", sink)

	expectFeedAppend(mock, identity)
	d.Notify(context.Background(), identity, models.NotifyNewMessage, map[string]string{"content": "hi"})

	assert.Equal(t, 1, sink.count())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDoNotDisturbSuppressesEmissionButNotFeed(t *testing.T) {
	d, mock, reg := newDispatcher(t)
	identity := uuid.New()
	sink := &captureSink{}
	reg.Register(identity, models.RoleAgent, "conn", sink)

	d.SetPrefs(identity, models.NotificationPrefs{
		DoNotDisturb: true,
		Types:        DefaultTypes(),
	})

	expectFeedAppend(mock, identity)
	d.Notify(context.Background(), identity, models.NotifyNewMessage, nil)

	assert.Zero(t, sink.count(), "DND gates the push")
	assert.NoError(t, mock.ExpectationsWereMet(), "the feed entry is written regardless")
}

func TestQuietHoursWrappingMidnight(t *testing.T) {
	const quietStart = 22 * 60 // 22:00
	const quietEnd = 8 * 60    // 08:00

	cases := []struct {
		name       string
		clock      time.Time
		suppressed bool
	}{
		{"late evening inside window", time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC), true},
		{"early morning inside window", time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC), true},
		{"window start boundary", time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC), true},
		{"window end boundary is outside", time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), false},
		{"midday outside window", time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, mock, reg := newDispatcher(t)
			d.now = func() time.Time { return tc.clock }

			identity := uuid.New()
			sink := &captureSink{}
			reg.Register(identity, models.RoleAgent, "conn", sink)
			d.SetPrefs(identity, models.NotificationPrefs{
				QuietHours:   models.QuietHours{Start: quietStart, End: quietEnd, Timezone: "UTC", Enabled: true},
				Types:        DefaultTypes(),
				SoundEnabled: true,
			})

			expectFeedAppend(mock, identity)
			d.Notify(context.Background(), identity, models.NotifyNewMessage, nil)

			if tc.suppressed {
				assert.Zero(t, sink.count())
			} else {
				assert.Equal(t, 1, sink.count())
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestQuietHoursEvaluatedInRecipientTimezone(t *testing.T) {
	d, mock, reg := newDispatcher(t)
	// 03:00 UTC is 22:00 the previous evening in New York (EST).
	d.now = func() time.Time { return time.Date(2026, 1, 15, 3, 0, 0, 0, time.UTC) }

	identity := uuid.New()
	sink := &captureSink{}
	reg.Register(identity, models.RoleAgent, "conn", sink)
	d.SetPrefs(identity, models.NotificationPrefs{
		QuietHours: models.QuietHours{Start: 22 * 60, End: 8 * 60, Timezone: "America/New_York", Enabled: true},
		Types:      DefaultTypes(),
	})

	expectFeedAppend(mock, identity)
	d.Notify(context.Background(), identity, models.NotifyNewMessage, nil)

	assert.Zero(t, sink.count(), "window applies in the recipient's local time")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisabledOrDegenerateQuietHoursDoNotSuppress(t *testing.T) {
	d, _, _ := newDispatcher(t)
	d.now = func() time.Time { return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC) }

	assert.False(t, d.inQuietHours(models.QuietHours{Start: 22 * 60, End: 8 * 60, Enabled: false}))
	assert.False(t, d.inQuietHours(models.QuietHours{Start: 600, End: 600, Enabled: true}),
		"equal start and end means no window")
}

func TestPerTypeToggleSuppresses(t *testing.T) {
	d, mock, reg := newDispatcher(t)
	identity := uuid.New()
	sink := &captureSink{}
	reg.Register(identity, models.RoleAgent, "conn", sink)

	types := DefaultTypes()
	types[models.NotifyNewMessage] = false
	d.SetPrefs(identity, models.NotificationPrefs{Types: types, SoundEnabled: true})

	expectFeedAppend(mock, identity)
	d.Notify(context.Background(), identity, models.NotifyNewMessage, nil)
	assert.Zero(t, sink.count())

	expectFeedAppend(mock, identity)
	d.Notify(context.Background(), identity, models.NotifyUrgent, nil)
	assert.Equal(t, 1, sink.count(), "other types still emit")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedReadsNewestFirst(t *testing.T) {
	d, mock, _ := newDispatcher(t)
	identity := uuid.New()

	entries := []Notification{
		{ID: uuid.New(), Type: models.NotifyUrgent, Emit: true, CreatedAt: time.Now()},
		{ID: uuid.New(), Type: models.NotifyNewMessage, Emit: false, CreatedAt: time.Now().Add(-time.Minute)},
	}
	raw := make([]string, 0, len(entries))
	for _, n := range entries {
		data, err := json.Marshal(n)
		require.NoError(t, err)
		raw = append(raw, string(data))
	}
	mock.ExpectLRange(feedKeyPrefix+identity.String(), 0, 9).SetVal(raw)

	got, err := d.Feed(context.Background(), identity, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, entries[0].ID, got[0].ID)
	assert.False(t, got[1].Emit, "suppressed events are in the feed too")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrefsFallBackToDefaults(t *testing.T) {
	d, _, _ := newDispatcher(t)
	identity := uuid.New()

	prefs := d.PrefsFor(identity)
	assert.True(t, prefs.SoundEnabled)
	assert.True(t, prefs.Types[models.NotifyNewMessage])

	// Mutating the returned copy must not leak into the defaults.
	prefs.Types[models.NotifyNewMessage] = false
	assert.True(t, d.PrefsFor(identity).Types[models.NotifyNewMessage])
}
