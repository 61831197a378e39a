package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

func TestMonitorHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	rec := doRequest(t, srv, http.MethodGet, "/api/monitor/health", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report models.HealthReport
	decodeBody(t, rec, &report)
	assert.Contains(t, []string{models.HealthStatusHealthy, models.HealthStatusDegraded}, report.Status)
	assert.GreaterOrEqual(t, report.Overall, 0)
	assert.LessOrEqual(t, report.Overall, 100)
	assert.False(t, report.CollectedAt.IsZero())
}

func TestMonitorHistory(t *testing.T) {
	srv, _ := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	// The first health call seeds the trend ring.
	rec := doRequest(t, srv, http.MethodGet, "/api/monitor/health", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/monitor/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Samples []models.HealthSample `json:"samples"`
		Count   int                   `json:"count"`
	}
	decodeBody(t, rec, &out)
	assert.Equal(t, 1, out.Count)
	require.Len(t, out.Samples, 1)
	assert.False(t, out.Samples[0].At.IsZero())
}

func TestMonitorChart_RendersPNG(t *testing.T) {
	srv, _ := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	// Seed one sample so the chart request's own refresh makes two.
	rec := doRequest(t, srv, http.MethodGet, "/api/monitor/health", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/monitor/health/chart.png", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	png := rec.Body.Bytes()
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestMonitorAlerts_ListAndAck(t *testing.T) {
	srv, a := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	rec := doRequest(t, srv, http.MethodGet, "/api/monitor/alerts", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Alerts []models.Alert `json:"alerts"`
		Count  int            `json:"count"`
	}
	decodeBody(t, rec, &out)
	assert.Equal(t, 0, out.Count)

	sink, ok := a.Monitor.(interfaces.AlertSink)
	require.True(t, ok)
	sink.RaiseAlert(models.Alert{
		ID:       "alert-1",
		Severity: models.AlertSeverityWarning,
		Category: models.AlertCategoryQueueDepth,
		Message:  "queue depth 120 exceeds threshold 100",
	})

	rec = doRequest(t, srv, http.MethodGet, "/api/monitor/alerts", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &out)
	require.Equal(t, 1, out.Count)
	assert.False(t, out.Alerts[0].Acked)

	rec = doRequest(t, srv, http.MethodPost, "/api/monitor/alerts/alert-1/ack", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, srv, http.MethodGet, "/api/monitor/alerts", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &out)
	require.Equal(t, 1, out.Count)
	assert.True(t, out.Alerts[0].Acked)
	assert.NotNil(t, out.Alerts[0].AckedAt)
}

func TestMonitorAlertAck_UnknownID(t *testing.T) {
	srv, _ := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	rec := doRequest(t, srv, http.MethodPost, "/api/monitor/alerts/nope/ack", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMonitorWorkers_StoppedPool(t *testing.T) {
	srv, _ := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	rec := doRequest(t, srv, http.MethodGet, "/api/monitor/workers", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap models.PoolSnapshot
	decodeBody(t, rec, &snap)
	assert.False(t, snap.Running)
}

func TestAdminEndpoints_RequireAdmin(t *testing.T) {
	srv, _ := newTestServer(t)
	userToken := obtainToken(t, srv, "sk-tenant-a")

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/admin/maintenance/cleanup"},
		{http.MethodPost, "/api/admin/maintenance/reaper"},
		{http.MethodGet, "/api/admin/tenants"},
	} {
		rec := doRequest(t, srv, tc.method, tc.path, userToken, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, tc.path)
	}
}

func TestAdminMaintenanceSweeps(t *testing.T) {
	srv, _ := newTestServer(t)
	adminToken := obtainToken(t, srv, "sk-admin")

	rec := doRequest(t, srv, http.MethodPost, "/api/admin/maintenance/cleanup", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cleanup struct {
		Status  string `json:"status"`
		Removed int    `json:"removed"`
	}
	decodeBody(t, rec, &cleanup)
	assert.Equal(t, "ok", cleanup.Status)
	assert.Equal(t, 0, cleanup.Removed)

	rec = doRequest(t, srv, http.MethodPost, "/api/admin/maintenance/reaper", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var reaper struct {
		Status  string `json:"status"`
		Stalled int    `json:"stalled"`
	}
	decodeBody(t, rec, &reaper)
	assert.Equal(t, 0, reaper.Stalled)
}

func TestAdminTenants_Directory(t *testing.T) {
	srv, _ := newTestServer(t)
	tokenA := obtainToken(t, srv, "sk-tenant-a")
	tokenB := obtainToken(t, srv, "sk-tenant-b")
	adminToken := obtainToken(t, srv, "sk-admin")

	enqueueJob(t, srv, tokenA, analysisJobBody())
	enqueueJob(t, srv, tokenA, analysisJobBody())
	enqueueJob(t, srv, tokenB, analysisJobBody())

	rec := doRequest(t, srv, http.MethodGet, "/api/admin/tenants", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Tenants []struct {
			Tenant  string `json:"tenant"`
			Queued  int    `json:"queued"`
			Running int    `json:"running"`
		} `json:"tenants"`
		Count int `json:"count"`
	}
	decodeBody(t, rec, &out)
	require.Equal(t, 2, out.Count)

	byTenant := map[string]int{}
	for _, entry := range out.Tenants {
		byTenant[entry.Tenant] = entry.Queued
	}
	assert.Equal(t, 2, byTenant["tenant-a"])
	assert.Equal(t, 1, byTenant["tenant-b"])
}
