package server

import (
	"net/http"
)

// handleJobEventsWS handles GET /api/events/jobs: upgrades to WebSocket and
// streams the tenant's job lifecycle events. The middleware already resolved
// the identity (header token or, for browser clients, the token query
// parameter). The tenantless ops identity receives every tenant's events.
func (s *Server) handleJobEventsWS(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	id, ok := s.identityAny(w, r)
	if !ok {
		return
	}

	s.app.Hub.ServeWS(w, r, id.Tenant)
}
