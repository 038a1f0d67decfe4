package integration__test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/geocoder89/greethub/internal/config"
	"github.com/geocoder89/greethub/internal/db"
	apphttp "github.com/geocoder89/greethub/internal/http"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

func testConfig() config.Config {
	return config.Config{
		Env:           "test",
		Port:          0,
		AdminEmail:    "admin@example.com",
		AdminPassword: "admin-password-123",
		AdminName:     "Test Admin",
		AdminRole:     "admin",
		JWTSecret:     "test-secret-key",
		JWTIssuer:     "greethub-test",
		AccessTTL:     time.Hour,
		RefreshTTL:    7 * 24 * time.Hour,
	}
}

// stubRecovery keeps the admin recovery endpoint wired without a broker.
type stubRecovery struct{}

func (stubRecovery) RunOnce(ctx context.Context) (int64, error) { return 0, nil }

func setupTestRouter(t *testing.T) (*gin.Engine, *pgxpool.Pool, config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := os.Getenv("TEST_DB_DSN")

	if dsn == "" {
		t.Skip("TEST_DB_DSN not set, integration tests need postgres")
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)

	if err != nil {
		t.Fatalf("Failed to create pgx pool: %v", err)
	}

	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg := testConfig()

	router := apphttp.NewRouter(apphttp.RouterDeps{
		Log:      logger,
		Pool:     pool,
		Cfg:      cfg,
		Recovery: stubRecovery{},
	})

	return router, pool, cfg
}

func resetDB(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	_, err := pool.Exec(context.Background(), `
		TRUNCATE refresh_tokens, operators, message_logs, users
		RESTART IDENTITY CASCADE
	`)
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

func seedAdmin(t *testing.T, pool *pgxpool.Pool, cfg config.Config) {
	t.Helper()

	if err := db.EnsureAdminOperator(context.Background(), pool, cfg); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
}

// helpers

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func extraRefreshCookie(t *testing.T, response *http.Response) *http.Cookie {
	t.Helper()

	for _, c := range response.Cookies() {
		if c.Name == "refresh_token" {
			return c
		}
	}

	t.Fatalf("refresh_token cookie not found in response")

	return nil
}

// function that runs a request and returns a recorder and parsed response for cookies

func doRequest(router http.Handler, method, path string, body string, cookies ...*http.Cookie) (*httptest.ResponseRecorder, *http.Response) {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))

	if body != "" && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) {
		req.Header.Set("Content-Type", "application/json")
	}

	for _, c := range cookies {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w, w.Result()
}

func doAuthedRequest(router http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))

	if body != "" && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

func mustReadJSON[T any](t *testing.T, w *httptest.ResponseRecorder, out *T) {
	t.Helper()
	err := json.Unmarshal(w.Body.Bytes(), out)
	if err != nil {
		t.Fatalf("failed to unmarshal json: %v, body=%s", err, w.Body.String())
	}
}

func loginAs(t *testing.T, router http.Handler, email, password string) (string, *http.Cookie) {
	t.Helper()

	body := `{"email":"` + email + `","password":"` + password + `"}`

	w, response := doRequest(router, http.MethodPost, "/api/v1/auth/login", body)

	if w.Code != http.StatusOK {
		t.Fatalf("login got status %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	var tok tokenResponse
	mustReadJSON(t, w, &tok)

	if strings.TrimSpace(tok.AccessToken) == "" {
		t.Fatalf("login expected accessToken, got empty")
	}

	return tok.AccessToken, extraRefreshCookie(t, response)
}

func TestAuthIntegration_Login_Refresh_Logout(t *testing.T) {
	router, pool, cfg := setupTestRouter(t)
	resetDB(t, pool)

	defer resetDB(t, pool)

	seedAdmin(t, pool, cfg)

	// login as the seeded admin

	_, loginRefresh := loginAs(t, router, cfg.AdminEmail, cfg.AdminPassword)

	// REFRESH (happy path)

	w2, response2 := doRequest(router, http.MethodPost, "/api/v1/auth/refresh", "", loginRefresh)

	if w2.Code != http.StatusOK {
		t.Fatalf("refresh got status %d, want %d, body=%s", w2.Code, http.StatusOK, w2.Body.String())
	}

	var refreshTokenOk tokenResponse
	mustReadJSON(t, w2, &refreshTokenOk)

	if strings.TrimSpace(refreshTokenOk.AccessToken) == "" {
		t.Fatalf("refresh expected access token, got empty")
	}

	rotatedRefresh := extraRefreshCookie(t, response2)

	// Refresh with OLD cookie should now fail (rotation)
	w3, _ := doRequest(router, http.MethodPost, "/api/v1/auth/refresh", "", loginRefresh)
	if w3.Code != http.StatusUnauthorized {
		t.Fatalf("refresh(old cookie) got status %d, want %d, body=%s", w3.Code, http.StatusUnauthorized, w3.Body.String())
	}

	// Refreshing with new cookie should now succeed

	w4, response4 := doRequest(router, http.MethodPost, "/api/v1/auth/refresh", "", rotatedRefresh)

	if w4.Code != http.StatusOK {
		t.Fatalf("refresh(new cookie) got status %d, want %d, body=%s", w4.Code, http.StatusOK, w4.Body.String())
	}

	currentRefresh := extraRefreshCookie(t, response4)

	// LOGOUT should revoke and clear the cookie

	w5, response5 := doRequest(router, http.MethodPost, "/api/v1/auth/logout", "", currentRefresh)

	if w5.Code != http.StatusNoContent {
		t.Fatalf("logout got status %d, want %d, body=%s", w5.Code, http.StatusNoContent, w5.Body.String())
	}

	cleared := false

	for _, c := range response5.Cookies() {
		if c.Name == "refresh_token" && (c.MaxAge < 0 || c.Value == "") {
			cleared = true
		}
	}

	if !cleared {
		t.Fatalf("expected logout to clear refresh_token cookie")
	}

	// REFRESH after logout should fail
	w6, _ := doRequest(router, http.MethodPost, "/api/v1/auth/refresh", "", currentRefresh)
	if w6.Code != http.StatusUnauthorized {
		t.Fatalf("refresh(after logout) got status %d, want %d, body=%s", w6.Code, http.StatusUnauthorized, w6.Body.String())
	}
}

func TestAuthIntegration_LogoutAll_RevokesEverySession(t *testing.T) {
	router, pool, cfg := setupTestRouter(t)
	resetDB(t, pool)
	defer resetDB(t, pool)

	seedAdmin(t, pool, cfg)

	// two independent sessions
	_, first := loginAs(t, router, cfg.AdminEmail, cfg.AdminPassword)
	_, second := loginAs(t, router, cfg.AdminEmail, cfg.AdminPassword)

	w, _ := doRequest(router, http.MethodPost, "/api/v1/auth/logout?all=true", "", second)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout all got status %d, want %d, body=%s", w.Code, http.StatusNoContent, w.Body.String())
	}

	// both sessions are now dead
	w2, _ := doRequest(router, http.MethodPost, "/api/v1/auth/refresh", "", first)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("refresh(first session) got status %d, want %d", w2.Code, http.StatusUnauthorized)
	}

	w3, _ := doRequest(router, http.MethodPost, "/api/v1/auth/refresh", "", second)
	if w3.Code != http.StatusUnauthorized {
		t.Fatalf("refresh(second session) got status %d, want %d", w3.Code, http.StatusUnauthorized)
	}
}

func TestAuthIntegration_Refresh_MissingCookie(t *testing.T) {
	router, pool, _ := setupTestRouter(t)
	resetDB(t, pool)
	defer resetDB(t, pool)

	w, _ := doRequest(router, http.MethodPost, "/api/v1/auth/refresh", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh(missing cookie) got status %d, want %d, body=%s", w.Code, http.StatusUnauthorized, w.Body.String())
	}

	var e apiErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &e)
	if e.Error.Code != "no_refresh" {
		t.Fatalf("expected no_refresh, got %s", e.Error.Code)
	}
}

func TestAuthIntegration_Login_InvalidCredentials(t *testing.T) {
	router, pool, cfg := setupTestRouter(t)
	resetDB(t, pool)
	defer resetDB(t, pool)

	seedAdmin(t, pool, cfg)

	body := `{"email":"` + cfg.AdminEmail + `","password":"not-the-password"}`
	w, _ := doRequest(router, http.MethodPost, "/api/v1/auth/login", body)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("login(invalid creds) got status %d, want %d, body=%s", w.Code, http.StatusUnauthorized, w.Body.String())
	}
}

func TestAuthIntegration_CreateOperator_RBAC(t *testing.T) {
	router, pool, cfg := setupTestRouter(t)
	resetDB(t, pool)
	defer resetDB(t, pool)

	seedAdmin(t, pool, cfg)

	adminToken, _ := loginAs(t, router, cfg.AdminEmail, cfg.AdminPassword)

	// admin creates a viewer
	body := `{"email":"viewer@example.com","password":"viewer-pass-123","name":"Vera Viewer","role":"viewer"}`
	w := doAuthedRequest(router, http.MethodPost, "/api/v1/admin/operators", body, adminToken)

	if w.Code != http.StatusCreated {
		t.Fatalf("create operator got status %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
	}

	// duplicate email conflicts
	w2 := doAuthedRequest(router, http.MethodPost, "/api/v1/admin/operators", body, adminToken)
	if w2.Code != http.StatusConflict {
		t.Fatalf("duplicate operator got status %d, want %d, body=%s", w2.Code, http.StatusConflict, w2.Body.String())
	}

	viewerToken, _ := loginAs(t, router, "viewer@example.com", "viewer-pass-123")

	// viewers can read admin surfaces
	w3 := doAuthedRequest(router, http.MethodGet, "/api/v1/admin/messages", "", viewerToken)
	if w3.Code != http.StatusOK {
		t.Fatalf("viewer list messages got status %d, want %d, body=%s", w3.Code, http.StatusOK, w3.Body.String())
	}

	// but cannot mutate
	w4 := doAuthedRequest(router, http.MethodPost, "/api/v1/admin/operators", body, viewerToken)
	if w4.Code != http.StatusForbidden {
		t.Fatalf("viewer create operator got status %d, want %d, body=%s", w4.Code, http.StatusForbidden, w4.Body.String())
	}

	// and anonymous callers are rejected outright
	w5, _ := doRequest(router, http.MethodGet, "/api/v1/admin/messages", "")
	if w5.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous list messages got status %d, want %d", w5.Code, http.StatusUnauthorized)
	}
}
