// Package handler implements the relay's /api HTTP surface and the
// WebSocket upgrade, grounded in the teacher's internal/handler package:
// one file per resource, each a small struct holding the shared Store and
// Hub, methods bound as gin.HandlerFunc.
package handler

import (
	"time"

	"github.com/shell-sync/shell-sync/internal/auth"
	"github.com/shell-sync/shell-sync/internal/hub"
	"github.com/shell-sync/shell-sync/internal/middleware"
	"github.com/shell-sync/shell-sync/internal/store"
)

// Deps is the shared dependency set every relay handler is constructed
// from, mirroring the teacher router's Deps.
type Deps struct {
	Store          *store.Store
	TokenConfig    auth.TokenConfig
	Hub            *hub.Hub
	FrameGuard     *middleware.FrameGuard
	RegisterLimit  *middleware.RateLimiter
	StartedAt      time.Time
	MaxFrameBytes  int
}
