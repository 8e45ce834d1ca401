package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type HistoryHandler struct {
	Deps
}

// List handles GET /history?limit=: the audit log (model.SyncEvent), not
// the shell command history itself, per the design's error-handling table
// putting this route under "Audit log".
func (h *HistoryHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"history": h.Store.ListSyncEvents(limit)})
}
