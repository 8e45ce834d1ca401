package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shell-sync/shell-sync/internal/auth"
	"github.com/shell-sync/shell-sync/internal/hub"
	"github.com/shell-sync/shell-sync/internal/model"
	"github.com/shell-sync/shell-sync/internal/store"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.New()
	tokenCfg := auth.TokenConfig{Secret: "secret", Issuer: "test"}
	r := NewRouter(Deps{Store: st, TokenConfig: tokenCfg, Hub: hub.New(), StartedAt: time.Now()})
	return r, st
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func registerMachine(t *testing.T, r *gin.Engine, hostname string, groups []string) (machineID, token string) {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/register", "", map[string]any{"hostname": hostname, "os": "linux", "groups": groups})
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal register response: %v", err)
	}
	return resp["machine_id"], resp["auth_token"]
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegisterThenListMachines(t *testing.T) {
	r, _ := newTestRouter(t)
	_, token := registerMachine(t, r, "laptop", []string{"default"})

	w := doJSON(t, r, http.MethodGet, "/api/machines", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Machines []model.Machine `json:"machines"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Machines) != 1 || resp.Machines[0].Hostname != "laptop" {
		t.Fatalf("unexpected machines: %+v", resp.Machines)
	}
}

func TestAliasCreateRejectsNonMemberGroup(t *testing.T) {
	r, _ := newTestRouter(t)
	_, token := registerMachine(t, r, "laptop", []string{"default"})

	w := doJSON(t, r, http.MethodPost, "/api/aliases", token, map[string]any{
		"group": "work", "name": "gs", "command_ct": []byte("ct"), "nonce": []byte("n"), "version": 1,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAliasCreateAndConflictResolve(t *testing.T) {
	r, st := newTestRouter(t)
	_, tokenA := registerMachine(t, r, "laptop", []string{"default"})
	_, tokenB := registerMachine(t, r, "desktop", []string{"default"})

	w := doJSON(t, r, http.MethodPost, "/api/aliases", tokenA, map[string]any{
		"group": "default", "name": "gs", "command_ct": []byte("ct-a"), "nonce": []byte("n"), "version": 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Same version from a different machine is an incomparable conflict.
	w = doJSON(t, r, http.MethodPost, "/api/aliases", tokenB, map[string]any{
		"group": "default", "name": "gs", "command_ct": []byte("ct-b"), "nonce": []byte("n"), "version": 1,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	conflicts := st.ListConflicts("default")
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}

	w = doJSON(t, r, http.MethodPost, "/api/conflicts/resolve", tokenA, map[string]any{
		"id": conflicts[0].ID, "resolution": "keep_remote",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	alias, ok := st.GetAlias("default", "gs")
	if !ok || alias.Version != 2 || string(alias.CommandCT) != "ct-b" {
		t.Fatalf("expected resolved alias at version 2 with remote ciphertext, got %+v ok=%v", alias, ok)
	}
}

func TestMachineRevokeBlocksFurtherRequests(t *testing.T) {
	r, _ := newTestRouter(t)
	targetID, targetToken := registerMachine(t, r, "laptop", []string{"default"})
	_, revokerToken := registerMachine(t, r, "desktop", []string{"default"})

	w := doJSON(t, r, http.MethodDelete, "/api/machines/"+targetID, revokerToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/api/aliases?group=default", targetToken, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked machine's token to be refused, got %d: %s", w.Code, w.Body.String())
	}
}

func TestImportRejectsSecretLookingNames(t *testing.T) {
	r, _ := newTestRouter(t)
	_, token := registerMachine(t, r, "laptop", []string{"default"})

	w := doJSON(t, r, http.MethodPost, "/api/import", token, map[string]any{
		"items": []map[string]any{
			{"group": "default", "name": "gs", "command_ct": []byte("ct"), "nonce": []byte("n")},
			{"group": "default", "name": "aws_api_key", "command_ct": []byte("ct"), "nonce": []byte("n")},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Added  int `json:"added"`
		Failed int `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Added != 1 || resp.Failed != 1 {
		t.Fatalf("expected 1 added and 1 failed, got %+v", resp)
	}
}
