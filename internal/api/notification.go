package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/storechat/internal/middleware"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/notify"
	"go.uber.org/zap"
)

// minutesPerDay bounds quiet-hours offsets (minutes since midnight).
const minutesPerDay = 24 * 60

// NotificationHandler exposes a recipient's own preferences and feed.
// Everything here is scoped to the authenticated identity — there is no
// "read someone else's prefs" surface.
type NotificationHandler struct {
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
}

func NewNotificationHandler(d *notify.Dispatcher, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{dispatcher: d, logger: logger}
}

// GetPrefs handles GET /v1/notifications/prefs.
func (h *NotificationHandler) GetPrefs(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.PrefsFor(middleware.GetIdentityID(c)))
}

// UpdatePrefs handles PUT /v1/notifications/prefs. The body is the full
// prefs document; partial updates are the client's problem (read, merge,
// write back).
func (h *NotificationHandler) UpdatePrefs(c *gin.Context) {
	var prefs models.NotificationPrefs
	if err := c.ShouldBindJSON(&prefs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateQuietHours(prefs.QuietHours); err != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err})
		return
	}

	h.dispatcher.SetPrefs(middleware.GetIdentityID(c), prefs)
	c.JSON(http.StatusOK, h.dispatcher.PrefsFor(middleware.GetIdentityID(c)))
}

// Feed handles GET /v1/notifications/feed?limit=50 — the in-app feed,
// newest first, including entries that quiet hours suppressed.
func (h *NotificationHandler) Feed(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		limit = n
	}

	feed, err := h.dispatcher.Feed(c.Request.Context(), middleware.GetIdentityID(c), limit)
	if err != nil {
		h.logger.Error("failed to read notification feed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read notification feed"})
		return
	}
	c.JSON(http.StatusOK, feed)
}

func validateQuietHours(qh models.QuietHours) string {
	if qh.Start < 0 || qh.Start >= minutesPerDay || qh.End < 0 || qh.End >= minutesPerDay {
		return "quiet hours offsets must be minutes in [0, 1440)"
	}
	if qh.Timezone != "" {
		if _, err := time.LoadLocation(qh.Timezone); err != nil {
			return "unknown quiet hours timezone"
		}
	}
	return ""
}
