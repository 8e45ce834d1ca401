package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shell-sync/shell-sync/internal/middleware"
	"github.com/shell-sync/shell-sync/internal/wire"
)

type MachineHandler struct {
	Deps
}

// List handles GET /machines: known machines, no keys, no auth tokens.
func (h *MachineHandler) List(c *gin.Context) {
	machines := h.Store.ListMachines("")
	resp := make([]gin.H, 0, len(machines))
	for _, m := range machines {
		resp = append(resp, gin.H{
			"machine_id": m.MachineID,
			"hostname":   m.Hostname,
			"os":         m.OS,
			"groups":     m.Groups,
			"last_seen":  m.LastSeen,
			"revoked":    m.Revoked,
		})
	}
	c.JSON(http.StatusOK, gin.H{"machines": resp})
}

// PublicKeys handles GET /api/groups/{group}/keys: the current announced
// public key of every non-revoked member of group that has one. Scoped
// narrower than List (which never exposes keys) — only a member of group
// may call this, and it is meant for exactly one purpose: a machine
// rotating that group's symmetric key needs every other member's public
// key to wrap the new key for it.
func (h *MachineHandler) PublicKeys(c *gin.Context) {
	group := c.Param("group")
	if !middleware.InGroup(c, group) {
		forbidden(c, "not a member of group")
		return
	}

	type keyEntry struct {
		MachineID string `json:"machine_id"`
		PublicKey []byte `json:"public_key"`
	}
	keys := make([]keyEntry, 0)
	for _, m := range h.Store.ListMachines(group) {
		if m.Revoked || len(m.PublicKey) == 0 {
			continue
		}
		keys = append(keys, keyEntry{MachineID: m.MachineID, PublicKey: m.PublicKey})
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// Revoke handles DELETE /api/machines/{id}: retires auth_token and
// machine_id atomically, per the Machine invariant. Any machine may revoke
// any other machine sharing a group with it; a machine cannot revoke
// itself out from under an in-flight request, but nothing prevents it —
// this matches the design's lack of a distinguished "owner" role.
func (h *MachineHandler) Revoke(c *gin.Context) {
	targetID := c.Param("id")
	if targetID == "" {
		badRequest(c, "machine id is required")
		return
	}

	target, ok := h.Store.GetMachine(targetID)
	if !ok {
		notFound(c, "machine not found")
		return
	}

	shared := false
	for _, g := range target.Groups {
		if middleware.InGroup(c, g) {
			shared = true
			break
		}
	}
	if !shared {
		forbidden(c, "not a member of any group this machine belongs to")
		return
	}

	if err := h.Store.RevokeMachine(targetID); err != nil {
		notFound(c, err.Error())
		return
	}
	h.Store.PersistAsync()
	notice, _ := json.Marshal(wire.Frame{Type: wire.TypeError, Message: "auth: machine revoked"})
	h.Hub.Send(targetID, notice)

	c.JSON(http.StatusOK, gin.H{"revoked": targetID})
}
