package server

import (
	"fmt"
	"net/http"
	"time"
)

// handleExportDownload handles GET /api/exports/{key}: streams a rendered
// export artifact. Download keys are single-tenant and expire; a lapsed key
// is 410 so clients stop retrying it.
func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	key := PathParam(r, "/api/exports/", "")
	if key == "" {
		WriteError(w, http.StatusBadRequest, "export key is required in path")
		return
	}

	ctx := r.Context()
	artifact, err := s.app.Storage.ExportStore().GetArtifact(ctx, id.Tenant, key)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	if artifact.Expired(time.Now()) {
		WriteError(w, http.StatusGone, "export download key has expired")
		return
	}

	data, contentType, err := s.app.Storage.BlobStore().Get(ctx, artifact.BlobKey)
	if err != nil {
		WriteJobError(w, err)
		return
	}

	filename := fmt.Sprintf("export-%s.%s", artifact.Key, artifact.Format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
