package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by both backing stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandlers struct {
	Relational Pinger
	Columnar   Pinger
}

func NewHealthHandlers(relational, columnar Pinger) *HealthHandlers {
	return &HealthHandlers{Relational: relational, Columnar: columnar}
}

// Health is GET /health. Reports 503 when either backing store is down.
func (h *HealthHandlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := gin.H{"status": "ok", "postgres": "ok", "clickhouse": "ok"}
	healthy := true
	if err := h.Relational.Ping(ctx); err != nil {
		status["postgres"] = err.Error()
		healthy = false
	}
	if err := h.Columnar.Ping(ctx); err != nil {
		status["clickhouse"] = err.Error()
		healthy = false
	}
	if !healthy {
		status["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}
