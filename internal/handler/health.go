package handler

import (
	"time"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	Deps
}

// Health reports GET /health -> {status, active_machines, uptime_ms}.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":          "ok",
		"active_machines": h.Hub.MemberCount(),
		"uptime_ms":       time.Since(h.StartedAt).Milliseconds(),
	})
}
