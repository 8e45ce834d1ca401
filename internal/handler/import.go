package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shell-sync/shell-sync/internal/middleware"
	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/secretscan"
	"github.com/shell-sync/shell-sync/internal/store"
)

type ImportHandler struct {
	Deps
}

type importItem struct {
	Group     string `json:"group"`
	Name      string `json:"name"`
	CommandCT []byte `json:"command_ct"`
	Nonce     []byte `json:"nonce"`
}

type importBody struct {
	Items []importItem `json:"items"`
}

type importResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Import handles POST /import: bulk-add aliases, rejecting names that look
// like secrets and rows for groups the machine does not belong to. Every
// item is evaluated independently; one bad row never fails the batch.
func (h *ImportHandler) Import(c *gin.Context) {
	var body importBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "malformed request body")
		return
	}

	machineID, _ := middleware.MachineIDFromContext(c)
	now := time.Now().UnixMilli()

	results := make([]importResult, 0, len(body.Items))
	added, failed := 0, 0

	for _, item := range body.Items {
		if item.Group == "" || item.Name == "" {
			results = append(results, importResult{Name: item.Name, OK: false, Error: "validation: group and name are required"})
			failed++
			continue
		}
		if secretscan.LooksLikeSecret(item.Name) {
			results = append(results, importResult{Name: item.Name, OK: false, Error: "validation: name looks like a secret"})
			failed++
			continue
		}
		if !middleware.InGroup(c, item.Group) {
			results = append(results, importResult{Name: item.Name, OK: false, Error: "validation: not a member of group"})
			failed++
			continue
		}

		alias := model.Alias{
			Group: item.Group, Name: item.Name,
			CommandCT: item.CommandCT, Nonce: item.Nonce,
			Version: 1, UpdatedByMachine: machineID, UpdatedAt: now,
		}
		res, _, err := h.Store.UpsertAlias(alias)
		if err != nil || res != store.ResultAccepted {
			results = append(results, importResult{Name: item.Name, OK: false, Error: "validation: alias already exists"})
			failed++
			continue
		}

		results = append(results, importResult{Name: item.Name, OK: true})
		added++
	}

	if added > 0 {
		h.Store.PersistAsync()
	}

	c.JSON(http.StatusOK, gin.H{"added": added, "failed": failed, "results": results})
}
