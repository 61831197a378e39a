package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casekit/docket/internal/app"
	"github.com/casekit/docket/internal/models"
)

// seedExport stores a rendered artifact and its blob directly, standing in
// for a completed export job.
func seedExport(t *testing.T, a *app.App, key, tenant string, expiresAt time.Time, data []byte) *models.ExportArtifact {
	t.Helper()
	ctx := context.Background()

	artifact := &models.ExportArtifact{
		Key:        key,
		Tenant:     tenant,
		Format:     models.ExportFormatJSON,
		BlobKey:    tenant + "/exports/" + key + ".json",
		SizeBytes:  int64(len(data)),
		EmailCount: 1,
		CaseIDs:    []string{"case-1"},
		CreatedAt:  time.Now(),
		ExpiresAt:  expiresAt,
	}
	require.NoError(t, a.Storage.ExportStore().SaveArtifact(ctx, artifact))
	require.NoError(t, a.Storage.BlobStore().Put(ctx, artifact.BlobKey, data, "application/json"))
	return artifact
}

func TestExportDownload(t *testing.T) {
	srv, a := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	data := []byte(`{"tenant":"tenant-a","emails":[]}`)
	seedExport(t, a, "dl-ok", "tenant-a", time.Now().Add(time.Hour), data)

	rec := doRequest(t, srv, http.MethodGet, "/api/exports/dl-ok", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="export-dl-ok.json"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, data, rec.Body.Bytes())
}

func TestExportDownload_ExpiredKeyIsGone(t *testing.T) {
	srv, a := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	seedExport(t, a, "dl-old", "tenant-a", time.Now().Add(-time.Minute), []byte("{}"))

	rec := doRequest(t, srv, http.MethodGet, "/api/exports/dl-old", token, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestExportDownload_ForeignTenant(t *testing.T) {
	srv, a := newTestServer(t)
	tokenB := obtainToken(t, srv, "sk-tenant-b")

	seedExport(t, a, "dl-private", "tenant-a", time.Now().Add(time.Hour), []byte("{}"))

	// A download key never crosses tenants, even when guessed.
	rec := doRequest(t, srv, http.MethodGet, "/api/exports/dl-private", tokenB, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportDownload_UnknownAndMissingKey(t *testing.T) {
	srv, _ := newTestServer(t)
	token := obtainToken(t, srv, "sk-tenant-a")

	rec := doRequest(t, srv, http.MethodGet, "/api/exports/nope", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/exports/", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
