package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shell-sync/shell-sync/internal/auth"
	"github.com/shell-sync/shell-sync/internal/model"
)

type RegisterHandler struct {
	Deps
}

type registerBody struct {
	Hostname string   `json:"hostname"`
	OS       string   `json:"os"`
	Groups   []string `json:"groups"`
}

// Register enrolls a new machine: POST /register {hostname, os, groups[]}
// -> {machine_id, auth_token}. Grounded in the teacher's AuthHandler.Auth
// shape (validate body, mint identity, issue token) with the account
// keypair-and-signature step dropped: a machine has no standing account to
// prove possession of yet, so registration itself is the enrollment act.
func (h *RegisterHandler) Register(c *gin.Context) {
	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "malformed request body")
		return
	}
	if body.Hostname == "" {
		badRequest(c, "hostname is required")
		return
	}
	if len(body.Groups) == 0 {
		body.Groups = []string{"default"}
	}

	machineID := uuid.NewString()
	token, err := auth.CreateToken(machineID, body.Groups, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fatal: token creation failed"})
		return
	}

	m := model.Machine{
		MachineID: machineID,
		Hostname:  body.Hostname,
		OS:        body.OS,
		Groups:    body.Groups,
		AuthToken: token,
		LastSeen:  time.Now().UnixMilli(),
	}
	if err := h.Store.RegisterMachine(m); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fatal: " + err.Error()})
		return
	}
	h.Store.PersistAsync()

	c.JSON(http.StatusOK, gin.H{"machine_id": machineID, "auth_token": token})
}
