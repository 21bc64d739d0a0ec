package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/storechat/internal/search"
	"go.uber.org/zap"
)

const defaultMetricsPeriod = 24 * time.Hour

// AgentHandler serves the supervisor analytics surface.
type AgentHandler struct {
	search *search.Service
	logger *zap.Logger
}

func NewAgentHandler(svc *search.Service, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{search: svc, logger: logger}
}

// Metrics handles GET /v1/agents/:id/metrics?period=24h. The period is
// a Go duration string; it defaults to the trailing 24 hours.
func (h *AgentHandler) Metrics(c *gin.Context) {
	agentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return
	}

	period := defaultMetricsPeriod
	if p := c.Query("period"); p != "" {
		d, err := time.ParseDuration(p)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'period' parameter"})
			return
		}
		period = d
	}

	metrics, err := h.search.AgentMetrics(c.Request.Context(), agentID, period)
	if err != nil {
		h.logger.Error("failed to compute agent metrics",
			zap.String("agent_id", agentID.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute agent metrics"})
		return
	}
	c.JSON(http.StatusOK, metrics)
}
