package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shell-sync/shell-sync/internal/auth"
)

func newTestContext(req *http.Request) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	return c, w
}

func TestRequireAuth_RejectsMissingHeader(t *testing.T) {
	cfg := auth.TokenConfig{Secret: "s", Issuer: "test"}
	c, w := newTestContext(httptest.NewRequest(http.MethodGet, "/", nil))

	RequireAuth(cfg)(c)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAuth_AcceptsValidToken(t *testing.T) {
	cfg := auth.TokenConfig{Secret: "s", Issuer: "test"}
	tok, err := auth.CreateToken("m1", []string{"default"}, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	c, w := newTestContext(req)

	RequireAuth(cfg)(c)

	if c.IsAborted() || w.Code != http.StatusOK {
		t.Fatalf("expected handler to proceed, got status %d", w.Code)
	}
	if id, ok := MachineIDFromContext(c); !ok || id != "m1" {
		t.Fatalf("expected machine id m1 in context, got %q ok=%v", id, ok)
	}
}

func TestRequireAuth_RejectsRevokedMachine(t *testing.T) {
	cfg := auth.TokenConfig{Secret: "s", Issuer: "test"}
	tok, err := auth.CreateToken("m1", nil, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	c, w := newTestContext(req)

	RequireAuth(cfg, func(machineID string) bool { return machineID == "m1" })(c)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked machine, got %d", w.Code)
	}
}

// TestRequireSocketAuth_FailuresAreIndistinguishable checks that a missing
// token, an invalid token, and a revoked machine all produce the exact
// same bare response, per the /ws design's no-differentiable-error rule.
func TestRequireSocketAuth_FailuresAreIndistinguishable(t *testing.T) {
	cfg := auth.TokenConfig{Secret: "s", Issuer: "test"}
	revokedTok, err := auth.CreateToken("m1", nil, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"malformed", "Bearer not-a-token"},
		{"revoked", "Bearer " + revokedTok},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		c, w := newTestContext(req)

		RequireSocketAuth(cfg, func(machineID string) bool { return machineID == "m1" })(c)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", tc.name, w.Code)
		}
		if w.Body.Len() != 0 {
			t.Fatalf("%s: expected an empty body, got %q", tc.name, w.Body.String())
		}
	}
}
