package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// badRequest, forbidden, and notFound write the standard {error: "<kind>:
// <msg>"} body each handler uses for its own failure cases, matching the
// teacher's per-handler gin.H{"error": ...} style rather than routing every
// error through one centralized mapper. /ws has no equivalent helper: its
// failures must not be differentiable, so it aborts with a bare status
// instead (see WebSocketHandler.Serve).

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation: " + message})
}

func forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, gin.H{"error": "auth: " + message})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"error": "validation: " + message})
}
