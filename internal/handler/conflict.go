package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shell-sync/shell-sync/internal/middleware"
	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/wire"
)

type ConflictHandler struct {
	Deps
}

// List handles GET /conflicts?group=.
func (h *ConflictHandler) List(c *gin.Context) {
	group := c.Query("group")
	if group != "" && !middleware.InGroup(c, group) {
		forbidden(c, "not a member of group")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": h.Store.ListConflicts(group)})
}

type resolveBody struct {
	ID         string           `json:"id"`
	Resolution model.Resolution `json:"resolution"`
}

// Resolve handles POST /conflicts/resolve. The relay resolves at the
// ciphertext level only — it copies whichever side's opaque blob won and
// writes it as a new version one past both sides, never decrypting either.
// This is safe because a human (or the client's conflict engine, which
// does hold the group key) already made the choice; the relay just needs
// to make it durable and replay it to the rest of the group.
func (h *ConflictHandler) Resolve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "malformed request body")
		return
	}
	if body.Resolution != model.ResolutionKeepLocal && body.Resolution != model.ResolutionKeepRemote {
		badRequest(c, "resolution must be keep_local or keep_remote")
		return
	}

	conflict, ok := h.Store.GetConflict(body.ID)
	if !ok {
		notFound(c, "conflict not found")
		return
	}
	if !middleware.InGroup(c, conflict.Group) {
		forbidden(c, "not a member of group")
		return
	}

	resolved, err := h.Store.ResolveConflict(body.ID, body.Resolution)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	machineID, _ := middleware.MachineIDFromContext(c)
	winner := model.Alias{
		Group:            resolved.Group,
		Name:             resolved.Name,
		UpdatedByMachine: machineID,
		UpdatedAt:        time.Now().UnixMilli(),
		Version:          maxVersion(resolved.LocalVersion, resolved.RemoteVersion) + 1,
	}
	if body.Resolution == model.ResolutionKeepLocal {
		winner.CommandCT, winner.Nonce = resolved.LocalCT, resolved.LocalNonce
	} else {
		winner.CommandCT, winner.Nonce = resolved.RemoteCT, resolved.RemoteNonce
	}

	if _, _, err := h.Store.UpsertAlias(winner); err != nil {
		badRequest(c, err.Error())
		return
	}
	h.Store.PersistAsync()

	frame, _ := json.Marshal(wire.Frame{Type: wire.TypeAliasWrite, Alias: &winner})
	h.Hub.Broadcast(winner.Group, "", frame)

	c.JSON(http.StatusOK, gin.H{"conflict": resolved, "alias": winner})
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
