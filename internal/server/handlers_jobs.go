package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/casekit/docket/internal/models"
)

// handleJobs handles GET /api/jobs (query) and POST /api/jobs (enqueue).
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleJobList(w, r)
	case http.MethodPost:
		s.handleJobEnqueue(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJobEnqueue submits a new job for the authenticated tenant.
func (s *Server) handleJobEnqueue(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var body struct {
		Type    string             `json:"type"`
		Payload json.RawMessage    `json:"payload"`
		Options *models.JobOptions `json:"options"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}

	job, err := s.app.Queue.Enqueue(r.Context(), id.Tenant, id.User, body.Type, body.Payload, body.Options)
	if err != nil {
		WriteJobError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{"job": job})
}

// handleJobList queries the tenant's jobs with filters from the query string.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	filter := models.JobFilter{
		Statuses:   queryList(r, "status"),
		Types:      queryList(r, "type"),
		Priorities: queryList(r, "priority"),
		User:       r.URL.Query().Get("user"),
		CaseID:     r.URL.Query().Get("case_id"),
		Search:     r.URL.Query().Get("search"),
		SortBy:     r.URL.Query().Get("sort"),
		SortDesc:   r.URL.Query().Get("order") == "desc",
		Limit:      queryInt(r, "limit", 50, 500),
		Offset:     queryInt(r, "offset", 0, 0),
	}
	if v := r.URL.Query().Get("created_after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "created_after must be RFC 3339")
			return
		}
		filter.CreatedAfter = ts
	}
	if v := r.URL.Query().Get("created_before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "created_before must be RFC 3339")
			return
		}
		filter.CreatedBefore = ts
	}

	jobs, total, err := s.app.Queue.List(r.Context(), id.Tenant, filter)
	if err != nil {
		WriteJobError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// handleJobByID handles GET and DELETE /api/jobs/{id}.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, jobID string) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.app.Queue.Get(r.Context(), id.Tenant, jobID)
		if err != nil {
			WriteJobError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"job": job})

	case http.MethodDelete:
		if err := s.app.Queue.Delete(r.Context(), id.Tenant, jobID); err != nil {
			WriteJobError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted", "job_id": jobID})

	default:
		w.Header().Set("Allow", "GET, DELETE")
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJobCancel handles POST /api/jobs/{id}/cancel.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	job, err := s.app.Queue.Cancel(r.Context(), id.Tenant, jobID)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// handleJobRetry handles POST /api/jobs/{id}/retry.
func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	job, err := s.app.Queue.Retry(r.Context(), id.Tenant, jobID)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// handleJobsBulk handles POST /api/jobs/bulk: one operation over many ids,
// with per-id outcomes.
func (s *Server) handleJobsBulk(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var body struct {
		Op  string   `json:"op"`
		IDs []string `json:"ids"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}

	result, err := s.app.Queue.Bulk(r.Context(), id.Tenant, body.Op, body.IDs)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

// handleJobStats handles GET /api/jobs/stats for the authenticated tenant.
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	stats, err := s.app.Queue.Stats(r.Context(), id.Tenant)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}
