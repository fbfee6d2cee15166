package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"visitorlog/auth"
	"visitorlog/db"
	"visitorlog/ratelimit"
)

// --- helpers ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testApp struct {
	*App
	handler http.Handler
	sqlDB   *sql.DB
	clock   *fakeClock
}

var testSite = fstest.MapFS{
	"index.html": {Data: []byte("<!doctype html><title>Visitor Log</title>")},
	"styles.css": {Data: []byte("body{}")},
}

func testConfig() Config {
	return Config{
		Port:            "0",
		LogLevel:        "info",
		RateLimitMax:    10,
		RateLimitWindow: 15 * time.Minute,
		AdminUsername:   "admin",
		AdminJWTSecret:  "test-admin-secret",
		ShutdownTimeout: time.Second,
	}
}

func newTestApp(t *testing.T, cfg Config) *testApp {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	store := db.NewStore(db.NewCompatDB(sqlDB, db.DialectSQLite), zap.NewNop())
	require.NoError(t, store.EnsureSchema(context.Background()))
	clock := &fakeClock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	app := newApp(cfg, zap.NewNop(), store, testSite, ratelimit.WithClock(clock.Now))
	return &testApp{App: app, handler: app.routes(), sqlDB: sqlDB, clock: clock}
}

func (a *testApp) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m), "body: %s", rec.Body.String())
	return m
}

const validVisitor = `{"firstName":"  Ada  ","company":"Analytical Engines","role":"Engineer","userAgent":"Mozilla/5.0"}`

func assertSecurityHeaders(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", rec.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Empty(t, rec.Header().Get("X-Powered-By"))
}

// --- visitors ---

func TestCreateVisitor(t *testing.T) {
	app := newTestApp(t, testConfig())

	rec := app.do("POST", "/api/visitors", validVisitor)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	m := decodeJSON(t, rec)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "Visitor information saved successfully", m["message"])
	data := m["data"].(map[string]interface{})
	assert.Equal(t, "Ada", data["firstName"])
	assert.NotNil(t, data["id"])
	assert.NotEmpty(t, data["timestamp"])

	var first, ua string
	require.NoError(t, app.sqlDB.QueryRow(`SELECT first_name, user_agent FROM visitors`).Scan(&first, &ua))
	assert.Equal(t, "Ada", first)
	assert.Equal(t, "Mozilla/5.0", ua)
}

func TestCreateVisitor_ValidationFailure(t *testing.T) {
	app := newTestApp(t, testConfig())

	rec := app.do("POST", "/api/visitors", `{"firstName":"   ","company":"Acme"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	m := decodeJSON(t, rec)
	assert.Equal(t, "Missing or invalid fields", m["error"])
	assert.ElementsMatch(t, []interface{}{"firstName is required", "role is required"}, m["details"])

	var n int
	require.NoError(t, app.sqlDB.QueryRow(`SELECT COUNT(*) FROM visitors`).Scan(&n))
	assert.Zero(t, n, "rejected submissions must not be stored")
}

func TestCreateVisitor_InvalidJSON(t *testing.T) {
	app := newTestApp(t, testConfig())
	rec := app.do("POST", "/api/visitors", `{"firstName":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON body", decodeJSON(t, rec)["error"])
}

func TestCreateVisitor_BodyTooLarge(t *testing.T) {
	app := newTestApp(t, testConfig())
	big := `{"firstName":"` + strings.Repeat("a", 11<<10) + `","company":"c","role":"r"}`
	rec := app.do("POST", "/api/visitors", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assertSecurityHeaders(t, rec)
}

func TestCreateVisitor_RateLimited(t *testing.T) {
	app := newTestApp(t, testConfig())

	for i := 0; i < 10; i++ {
		rec := app.do("POST", "/api/visitors", validVisitor)
		require.Equal(t, http.StatusCreated, rec.Code, "request %d", i+1)
	}

	rec := app.do("POST", "/api/visitors", validVisitor)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests, please try again later.", decodeJSON(t, rec)["error"])
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	assertSecurityHeaders(t, rec)

	// Rejected requests never reach the store.
	var n int
	require.NoError(t, app.sqlDB.QueryRow(`SELECT COUNT(*) FROM visitors`).Scan(&n))
	assert.Equal(t, 10, n)

	// A fresh window opens once the old one has expired.
	app.clock.Advance(15*time.Minute + time.Second)
	rec = app.do("POST", "/api/visitors", validVisitor)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateVisitor_RateLimitPerClient(t *testing.T) {
	app := newTestApp(t, testConfig())
	for i := 0; i < 10; i++ {
		app.do("POST", "/api/visitors", `{}`)
	}
	require.Equal(t, http.StatusTooManyRequests, app.do("POST", "/api/visitors", validVisitor).Code)

	req := httptest.NewRequest("POST", "/api/visitors", strings.NewReader(validVisitor))
	req.RemoteAddr = "198.51.100.7:4000"
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

// --- health ---

func TestHealth_NotRateLimited(t *testing.T) {
	app := newTestApp(t, testConfig())
	for i := 0; i < 11; i++ {
		app.do("POST", "/api/visitors", validVisitor)
	}
	for i := 0; i < 20; i++ {
		rec := app.do("GET", "/api/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	m := decodeJSON(t, app.do("GET", "/api/health", ""))
	assert.Equal(t, "healthy", m["status"])
	assert.Equal(t, "connected", m["database"])
}

func TestHealth_DatabaseDown(t *testing.T) {
	app := newTestApp(t, testConfig())
	require.NoError(t, app.sqlDB.Close())

	rec := app.do("GET", "/api/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, `{"status":"unhealthy","database":"disconnected"}`, strings.TrimSpace(rec.Body.String()))
	assertSecurityHeaders(t, rec)
}

func TestCreateVisitor_DatabaseDown(t *testing.T) {
	app := newTestApp(t, testConfig())
	require.NoError(t, app.sqlDB.Close())

	rec := app.do("POST", "/api/visitors", validVisitor)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Failed to save visitor information")
	assert.NotContains(t, body, "sql")
}

// --- static site ---

func TestStaticFallback(t *testing.T) {
	app := newTestApp(t, testConfig())

	for _, path := range []string{"/", "/some/client/route", "/index.html"} {
		rec := app.do("GET", path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "Visitor Log", path)
		assertSecurityHeaders(t, rec)
	}

	rec := app.do("GET", "/styles.css", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{}", rec.Body.String())
}

func TestUnknownMethod(t *testing.T) {
	app := newTestApp(t, testConfig())
	rec := app.do("DELETE", "/anything", "")
	assert.GreaterOrEqual(t, rec.Code, 400)
	assertSecurityHeaders(t, rec)
}

func TestRequestIDHeader(t *testing.T) {
	app := newTestApp(t, testConfig())
	rec := app.do("GET", "/api/health", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, testConfig())
	app.do("POST", "/api/visitors", validVisitor)

	rec := app.do("GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "visitorlog_http_requests_total")
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.CORSAllowedOrigins = []string{"https://visitors.example.com"}
	app := newTestApp(t, cfg)

	rec := app.do("OPTIONS", "/api/visitors", "",
		"Origin", "https://visitors.example.com",
		"Access-Control-Request-Method", "POST")
	assert.Equal(t, "https://visitors.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = app.do("GET", "/api/health", "", "Origin", "https://evil.example.com")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// --- admin ---

func TestAdmin_DisabledWithoutHash(t *testing.T) {
	app := newTestApp(t, testConfig())
	rec := app.do("POST", "/api/admin/login", `{"username":"admin","password":"x"}`)
	assert.NotEqual(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "token")
}

func TestAdmin_LoginAndList(t *testing.T) {
	cfg := testConfig()
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	cfg.AdminPasswordHash = hash
	app := newTestApp(t, cfg)

	app.do("POST", "/api/visitors", validVisitor)

	rec := app.do("GET", "/api/admin/visitors", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = app.do("POST", "/api/admin/login", `{"username":"admin","password":"s3cret-pass"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token, _ := decodeJSON(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	rec = app.do("GET", "/api/admin/visitors?limit=5", "", "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decodeJSON(t, rec)
	assert.EqualValues(t, 1, m["total"])
	assert.EqualValues(t, 5, m["limit"])
	visitors := m["visitors"].([]interface{})
	require.Len(t, visitors, 1)
	assert.Equal(t, "Ada", visitors[0].(map[string]interface{})["firstName"])
}

func TestAdmin_LoginRateLimited(t *testing.T) {
	cfg := testConfig()
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	cfg.AdminPasswordHash = hash
	app := newTestApp(t, cfg)

	for i := 0; i < loginRateLimit; i++ {
		rec := app.do("POST", "/api/admin/login", `{"username":"admin","password":"wrong"}`)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := app.do("POST", "/api/admin/login", `{"username":"admin","password":"s3cret-pass"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The visitor limiter is independent.
	assert.Equal(t, http.StatusCreated, app.do("POST", "/api/visitors", validVisitor).Code)
}

// --- lifecycle ---

func TestStartSweepers_StopOnCancel(t *testing.T) {
	app := newTestApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	app.startSweepers(ctx, &wg)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweepers did not stop after cancel")
	}
}

// --- config ---

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_DB", "POSTGRES_USER", "POSTGRES_PASSWORD",
		"POSTGRES_SSLMODE", "PORT", "LOG_LEVEL", "STATIC_DIR", "RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW",
		"CORS_ALLOWED_ORIGINS", "ADMIN_USERNAME", "ADMIN_PASSWORD_HASH", "ADMIN_JWT_SECRET",
		"SHUTDOWN_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_PASSWORD", "pw")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "postgres", cfg.DB.Database)
	assert.Equal(t, "postgres", cfg.DB.User)
	assert.Equal(t, "disable", cfg.DB.SSLMode)
	assert.Equal(t, 20, cfg.DB.MaxOpenConns)
	assert.Equal(t, 30*time.Second, cfg.DB.MaxIdleTime)
	assert.Equal(t, 2*time.Second, cfg.DB.ConnectTimeout)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 10, cfg.RateLimitMax)
	assert.Equal(t, 15*time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.AdminEnabled())
	assert.Empty(t, cfg.CORSAllowedOrigins)
}

func TestLoadConfig_MissingPassword(t *testing.T) {
	clearEnv(t)
	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_PASSWORD")
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_PASSWORD", "pw")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("PORT", "9000")
	t.Setenv("RATE_LIMIT_MAX", "3")
	t.Setenv("RATE_LIMIT_WINDOW", "1m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, 6543, cfg.DB.Port)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 3, cfg.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_PASSWORD", "pw")
	t.Setenv("POSTGRES_PORT", "five")
	t.Setenv("RATE_LIMIT_WINDOW", "-1s")
	t.Setenv("LOG_LEVEL", "loud")

	_, err := loadConfig()
	require.Error(t, err)
	for _, key := range []string{"POSTGRES_PORT", "RATE_LIMIT_WINDOW", "LOG_LEVEL"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoadConfig_AdminNeedsSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_PASSWORD", "pw")
	t.Setenv("ADMIN_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_JWT_SECRET")

	t.Setenv("ADMIN_JWT_SECRET", "secret")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.AdminEnabled())
}

func TestGetEnv(t *testing.T) {
	t.Setenv("VISITORLOG_TEST_KEY", "")
	assert.Equal(t, "fallback", getEnv("VISITORLOG_TEST_KEY", "fallback"))
	t.Setenv("VISITORLOG_TEST_KEY", "set")
	assert.Equal(t, "set", getEnv("VISITORLOG_TEST_KEY", "fallback"))
}
