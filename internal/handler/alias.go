package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shell-sync/shell-sync/internal/middleware"
	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/store"
	"github.com/shell-sync/shell-sync/internal/wire"
)

type AliasHandler struct {
	Deps
}

type aliasWriteBody struct {
	Group     string `json:"group"`
	Name      string `json:"name"`
	CommandCT []byte `json:"command_ct"`
	Nonce     []byte `json:"nonce"`
	Version   int64  `json:"version"`
}

// List handles GET /aliases?group=. Auth required; a machine only sees
// rows for groups it is a member of.
func (h *AliasHandler) List(c *gin.Context) {
	group := c.Query("group")
	if group != "" && !middleware.InGroup(c, group) {
		forbidden(c, "not a member of group")
		return
	}

	var result []model.Alias
	if group != "" {
		result = h.Store.ListAliases(group)
	} else {
		for _, g := range middleware.GroupsFromContext(c) {
			result = append(result, h.Store.ListAliases(g)...)
		}
	}
	c.JSON(http.StatusOK, gin.H{"aliases": result})
}

// Create handles POST /aliases.
func (h *AliasHandler) Create(c *gin.Context) {
	h.upsert(c, "")
}

// Update handles PUT /aliases/{id}, where {id} is the alias name (aliases
// have no separate id; identity is group+name per the design).
func (h *AliasHandler) Update(c *gin.Context) {
	h.upsert(c, c.Param("id"))
}

func (h *AliasHandler) upsert(c *gin.Context, pathName string) {
	var body aliasWriteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "malformed request body")
		return
	}
	if pathName != "" {
		body.Name = pathName
	}
	if body.Group == "" || body.Name == "" {
		badRequest(c, "group and name are required")
		return
	}
	if !middleware.InGroup(c, body.Group) {
		forbidden(c, "not a member of group")
		return
	}
	machineID, _ := middleware.MachineIDFromContext(c)

	alias := model.Alias{
		Group:            body.Group,
		Name:             body.Name,
		CommandCT:        body.CommandCT,
		Nonce:            body.Nonce,
		Version:          body.Version,
		UpdatedByMachine: machineID,
		UpdatedAt:        time.Now().UnixMilli(),
	}

	h.applyWrite(c, alias)
}

// Delete handles DELETE /aliases/{id}: a tombstoning write, same
// version-monotonic rule as any other alias mutation.
func (h *AliasHandler) Delete(c *gin.Context) {
	name := c.Param("id")
	group := c.Query("group")
	if group == "" || name == "" {
		badRequest(c, "group and id are required")
		return
	}
	if !middleware.InGroup(c, group) {
		forbidden(c, "not a member of group")
		return
	}
	machineID, _ := middleware.MachineIDFromContext(c)

	existing, ok := h.Store.GetAlias(group, name)
	if !ok {
		notFound(c, "alias not found")
		return
	}

	alias := model.Alias{
		Group:            group,
		Name:             name,
		Version:          existing.Version + 1,
		UpdatedByMachine: machineID,
		UpdatedAt:        time.Now().UnixMilli(),
		Tombstone:        true,
	}
	h.applyWrite(c, alias)
}

func (h *AliasHandler) applyWrite(c *gin.Context, alias model.Alias) {
	res, existing, err := h.Store.UpsertAlias(alias)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	switch res {
	case store.ResultAccepted:
		h.Store.PersistAsync()
		frame, _ := json.Marshal(wire.Frame{Type: wire.TypeAliasWrite, Alias: &alias})
		h.Hub.Broadcast(alias.Group, alias.UpdatedByMachine, frame)
		c.JSON(http.StatusOK, gin.H{"alias": alias})
	case store.ResultStale:
		c.JSON(http.StatusConflict, gin.H{"error": "integrity: version regression", "current": existing})
	case store.ResultConflict:
		conflict := h.Store.RecordConflict(alias.Group, alias.Name, existing, alias, time.Now().UnixMilli())
		h.Store.PersistAsync()
		c.JSON(http.StatusConflict, gin.H{"error": "conflict: incomparable versions", "conflict": conflict})
	}
}
