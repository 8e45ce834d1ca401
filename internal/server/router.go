package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shell-sync/shell-sync/internal/auth"
	"github.com/shell-sync/shell-sync/internal/handler"
	"github.com/shell-sync/shell-sync/internal/hub"
	"github.com/shell-sync/shell-sync/internal/middleware"
	"github.com/shell-sync/shell-sync/internal/store"
)

// Deps is the relay's dependency set, adapted from the teacher's
// server.Deps: a Store and a TokenConfig, plus the connection Hub the
// teacher constructed inline in NewRouter (pulled out here since the
// caller also needs it for the frame guard and health-check counters).
type Deps struct {
	Store         *store.Store
	TokenConfig   auth.TokenConfig
	Hub           *hub.Hub
	FrameGuard    *middleware.FrameGuard
	StartedAt     time.Time
	MaxFrameBytes int
}

// NewRouter builds the relay's HTTP surface: registration and health are
// public; everything else requires a bearer token; a rate limiter keyed by
// client IP guards the registration endpoint against enrollment abuse.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	hd := handler.Deps{
		Store:         deps.Store,
		TokenConfig:   deps.TokenConfig,
		Hub:           deps.Hub,
		FrameGuard:    deps.FrameGuard,
		RegisterLimit: middleware.NewRateLimiter(20, time.Minute),
		StartedAt:     deps.StartedAt,
		MaxFrameBytes: deps.MaxFrameBytes,
	}

	registerHandler := &handler.RegisterHandler{Deps: hd}
	healthHandler := &handler.HealthHandler{Deps: hd}

	r.POST("/register", middleware.RateLimitMiddleware(hd.RegisterLimit), registerHandler.Register)
	r.GET("/health", healthHandler.Health)

	revoked := func(machineID string) bool {
		m, ok := deps.Store.GetMachine(machineID)
		return !ok || m.Revoked
	}

	api := r.Group("/api")
	api.Use(middleware.RequireAuth(deps.TokenConfig, revoked))

	aliasHandler := &handler.AliasHandler{Deps: hd}
	api.GET("/aliases", aliasHandler.List)
	api.POST("/aliases", aliasHandler.Create)
	api.PUT("/aliases/:id", aliasHandler.Update)
	api.DELETE("/aliases/:id", aliasHandler.Delete)

	importHandler := &handler.ImportHandler{Deps: hd}
	api.POST("/import", importHandler.Import)

	machineHandler := &handler.MachineHandler{Deps: hd}
	api.GET("/machines", machineHandler.List)
	api.DELETE("/machines/:id", machineHandler.Revoke)
	api.GET("/groups/:group/keys", machineHandler.PublicKeys)

	conflictHandler := &handler.ConflictHandler{Deps: hd}
	api.GET("/conflicts", conflictHandler.List)
	api.POST("/conflicts/resolve", conflictHandler.Resolve)

	historyHandler := &handler.HistoryHandler{Deps: hd}
	api.GET("/history", historyHandler.List)

	wsHandler := &handler.WebSocketHandler{Deps: hd}
	r.GET("/ws", middleware.RequireSocketAuth(deps.TokenConfig, revoked), wsHandler.Serve)

	return r
}
