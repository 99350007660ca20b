package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Japgutter/keywarden/internal/config"
	"github.com/Japgutter/keywarden/internal/keypool"
	"github.com/Japgutter/keywarden/internal/security"
	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, config.AdminConfig, *keypool.Pool) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool := keypool.New(keypool.Options{Vendor: keypool.VendorOpenAI})
	pool.Load([]keypool.Key{
		keypool.NewKey(keypool.VendorOpenAI, "sk-a"),
		keypool.NewKey(keypool.VendorOpenAI, "sk-b"),
	})

	adminCfg := config.AdminConfig{
		Password:  "operator-password",
		JWTSecret: "test-jwt-secret",
		JWTExpiry: config.Duration(time.Hour),
	}

	r := gin.New()
	RegisterAdminRoutes(r, adminCfg, map[keypool.Vendor]keypool.Provider{
		keypool.VendorOpenAI: pool,
	})
	return r, adminCfg, pool
}

func operatorToken(t *testing.T, adminCfg config.AdminConfig) string {
	t.Helper()
	token, errMint := security.MintOperatorToken(adminCfg.JWTSecret, adminCfg.JWTExpiry.Std())
	if errMint != nil {
		t.Fatalf("mint token: %v", errMint)
	}
	return token
}

func TestLoginIssuesToken(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v0/admin/login",
		strings.NewReader(`{"password":"operator-password"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if resp["token"] == "" {
		t.Fatal("empty token in login response")
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v0/admin/login",
		strings.NewReader(`{"password":"wrong"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestKeysEndpointRequiresToken(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v0/admin/keys", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v0/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status with bogus token = %d, want 401", w.Code)
	}
}

func TestKeysEndpointRedactsSecrets(t *testing.T) {
	r, adminCfg, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v0/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t, adminCfg))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if strings.Contains(body, "sk-a") || strings.Contains(body, "sk-b") {
		t.Fatalf("key listing leaked a secret: %s", body)
	}
	if !strings.Contains(body, keypool.HashSecret("sk-a")) {
		t.Fatal("key listing missing expected hash")
	}
}

func TestDisableEndpoint(t *testing.T) {
	r, adminCfg, pool := newTestRouter(t)

	hash := keypool.HashSecret("sk-a")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v0/admin/keys/"+hash+"/disable", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t, adminCfg))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := pool.Available(); got != 1 {
		t.Fatalf("Available = %d after disable, want 1", got)
	}
}

func TestRecheckEndpoint(t *testing.T) {
	r, adminCfg, pool := newTestRouter(t)
	pool.Disable(keypool.HashSecret("sk-a"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v0/admin/recheck", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t, adminCfg))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := pool.Available(); got != 2 {
		t.Fatalf("Available = %d after recheck, want 2", got)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"keys_available"`) {
		t.Fatalf("healthz body missing availability: %s", w.Body.String())
	}
}
