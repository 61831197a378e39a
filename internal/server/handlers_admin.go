package server

import (
	"net/http"
)

// handleAdminCleanup handles POST /api/admin/maintenance/cleanup: runs one
// cleanup sweep immediately instead of waiting for the next interval.
func (s *Server) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	removed, err := s.app.Maintenance.RunCleanup(r.Context())
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"removed": removed,
	})
}

// handleAdminReaper handles POST /api/admin/maintenance/reaper: runs one
// stall sweep immediately.
func (s *Server) handleAdminReaper(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	stalled, err := s.app.Maintenance.RunReaper(r.Context())
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"stalled": stalled,
	})
}

// handleAdminTenants handles GET /api/admin/tenants: the directory of every
// tenant that has enqueued at least one job, with active counts.
func (s *Server) handleAdminTenants(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	ctx := r.Context()
	store := s.app.Storage.JobStore()

	tenants, err := store.Tenants(ctx)
	if err != nil {
		WriteJobError(w, err)
		return
	}

	entries := make([]map[string]interface{}, 0, len(tenants))
	for _, tenant := range tenants {
		queued, running, err := store.CountActive(ctx, tenant)
		if err != nil {
			WriteJobError(w, err)
			return
		}
		entries = append(entries, map[string]interface{}{
			"tenant":  tenant,
			"queued":  queued,
			"running": running,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tenants": entries,
		"count":   len(entries),
	})
}
