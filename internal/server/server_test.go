package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casekit/docket/internal/app"
	"github.com/casekit/docket/internal/common"
)

// newTestApp builds a full application on temp-dir storage with background
// loops left stopped, so enqueued jobs stay queued and tests control every
// transition. Only the event hub runs, for the WebSocket tests.
func newTestApp(t *testing.T) *app.App {
	t.Helper()

	dir := t.TempDir()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Job.Path = filepath.Join(dir, "jobs")
	cfg.Storage.Case.Path = filepath.Join(dir, "cases")
	cfg.Storage.Blob.Path = filepath.Join(dir, "blobs")
	cfg.Auth.TokenSecret = "server-test-secret"
	cfg.Auth.APIKeys = []common.APIKeyConfig{
		{Tenant: "tenant-a", User: "alice", Key: "sk-tenant-a"},
		{Tenant: "tenant-b", User: "bob", Key: "sk-tenant-b"},
		{Tenant: "ops", User: "root", Key: "sk-admin", Admin: true},
		{User: "watch", Key: "sk-firehose", Admin: true},
	}

	a, err := app.NewAppWithDeps(cfg, common.NewSilentLogger())
	require.NoError(t, err)
	go a.Hub.Run()
	t.Cleanup(a.Close)
	return a
}

func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()
	a := newTestApp(t)
	return NewServer(a), a
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

// doRequest runs one request through the full middleware stack.
func doRequest(t *testing.T, srv *Server, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// obtainToken exchanges an API key through the real token endpoint.
func obtainToken(t *testing.T, srv *Server, apiKey string) string {
	t.Helper()
	rec := doRequest(t, srv, http.MethodPost, "/api/auth/token", "",
		jsonBody(t, map[string]string{"api_key": apiKey}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestAuthToken_Exchange(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/auth/token", "",
		jsonBody(t, map[string]string{"api_key": "sk-tenant-a"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Token     string `json:"token"`
		TokenType string `json:"token_type"`
		ExpiresIn int    `json:"expires_in"`
		Tenant    string `json:"tenant"`
		User      string `json:"user"`
		Admin     bool   `json:"admin"`
	}
	decodeBody(t, rec, &body)
	assert.NotEmpty(t, body.Token)
	assert.Equal(t, "Bearer", body.TokenType)
	assert.Equal(t, 24*60*60, body.ExpiresIn)
	assert.Equal(t, "tenant-a", body.Tenant)
	assert.Equal(t, "alice", body.User)
	assert.False(t, body.Admin)
}

func TestAuthToken_AdminKeyCarriesFlag(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/auth/token", "",
		jsonBody(t, map[string]string{"api_key": "sk-admin"}))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Admin  bool   `json:"admin"`
		Tenant string `json:"tenant"`
	}
	decodeBody(t, rec, &body)
	assert.True(t, body.Admin)
	assert.Equal(t, "ops", body.Tenant)
}

func TestAuthToken_RejectsUnknownKey(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/auth/token", "",
		jsonBody(t, map[string]string{"api_key": "sk-wrong"}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body ErrorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "AUTH", body.Code)
}

func TestAuthToken_RequiresPost(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/auth/token", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))
}

func TestMiddleware_PublicPathsSkipAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/api/health", "/api/version", "/debug/memstats"} {
		rec := doRequest(t, srv, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestMiddleware_RejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/jobs", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body ErrorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "AUTH", body.Code)
}

func TestMiddleware_RejectsGarbageToken(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/jobs", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
}

func TestMiddleware_ValidTokenPassesThrough(t *testing.T) {
	srv, _ := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	rec := doRequest(t, srv, http.MethodGet, "/api/jobs", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestOpsIdentity_MonitorYesJobsNo(t *testing.T) {
	srv, _ := newTestServer(t)
	token := obtainToken(t, srv, "sk-firehose")

	// The tenantless ops identity reads the system-wide monitor surface.
	rec := doRequest(t, srv, http.MethodGet, "/api/monitor/health", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Job data is tenant-scoped, so the same identity is refused there.
	rec = doRequest(t, srv, http.MethodGet, "/api/jobs", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodOptions, "/api/jobs", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestMiddleware_CorrelationID(t *testing.T) {
	srv, _ := newTestServer(t)

	// Caller-provided id is echoed back.
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Correlation-ID"))

	// Otherwise one is generated.
	rec = doRequest(t, srv, http.MethodGet, "/api/health", "", nil)
	assert.Len(t, rec.Header().Get("X-Correlation-ID"), 8)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestVersionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.NotEmpty(t, body["version"])
}

func TestConfigEndpoint_AdminOnly(t *testing.T) {
	srv, _ := newTestServer(t)

	userToken := obtainToken(t, srv, "sk-tenant-a")
	rec := doRequest(t, srv, http.MethodGet, "/api/config", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminToken := obtainToken(t, srv, "sk-admin")
	rec = doRequest(t, srv, http.MethodGet, "/api/config", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "badger", body["storage_engine"])

	// The token secret never appears unmasked.
	assert.NotContains(t, rec.Body.String(), "server-test-secret")
}

func TestShutdownEndpoint_SignalsChannel(t *testing.T) {
	srv, _ := newTestServer(t)

	ch := make(chan struct{}, 1)
	srv.SetShutdownChannel(ch)

	rec := doRequest(t, srv, http.MethodPost, "/api/shutdown", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown channel was not signaled")
	}
}

func TestShutdownEndpoint_DisabledInProduction(t *testing.T) {
	srv, a := newTestServer(t)
	a.Config.Environment = "production"

	rec := doRequest(t, srv, http.MethodPost, "/api/shutdown", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUnknownJobAction_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	rec := doRequest(t, srv, http.MethodPost, "/api/jobs/abc/promote", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
