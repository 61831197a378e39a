package server

import (
	"net/http"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/models"
)

// handleAuthToken handles POST /api/auth/token: exchanges a configured API
// key for a bearer token. The key is never logged.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var body struct {
		APIKey string `json:"api_key"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}

	token, identity, err := s.app.Auth.ExchangeAPIKey(r.Context(), body.APIKey)
	if err != nil {
		WriteJobError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(s.app.Config.Auth.GetTokenExpiry().Seconds()),
		"tenant":     identity.Tenant,
		"user":       identity.User,
		"admin":      identity.Admin,
	})
}

// identity resolves the authenticated identity and requires a tenant scope.
// The tenantless ops identity gets a 403 here: job and export data is always
// tenant-scoped.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (*common.Identity, bool) {
	id, ok := s.identityAny(w, r)
	if !ok {
		return nil, false
	}
	if id.Tenant == "" {
		WriteError(w, http.StatusForbidden, "Tenant scope required")
		return nil, false
	}
	return id, true
}

// identityAny resolves the authenticated identity without requiring a tenant.
// The monitor surface and the event feed accept the tenantless ops identity.
func (s *Server) identityAny(w http.ResponseWriter, r *http.Request) (*common.Identity, bool) {
	id := common.IdentityFromContext(r.Context())
	if id == nil {
		WriteErrorWithCode(w, http.StatusUnauthorized, "authentication required", models.ErrKindAuth)
		return nil, false
	}
	return id, true
}

// requireAdmin checks that the authenticated identity carries the admin flag.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	id := common.IdentityFromContext(r.Context())
	if id == nil {
		WriteErrorWithCode(w, http.StatusUnauthorized, "authentication required", models.ErrKindAuth)
		return false
	}
	if !id.Admin {
		WriteError(w, http.StatusForbidden, "Admin access required")
		return false
	}
	return true
}
