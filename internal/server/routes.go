package server

import (
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/casekit/docket/internal/common"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)
	mux.HandleFunc("/debug/memstats", s.handleMemstats)

	// Auth
	mux.HandleFunc("/api/auth/token", s.handleAuthToken)

	// Jobs
	mux.HandleFunc("/api/jobs/stats", s.handleJobStats)
	mux.HandleFunc("/api/jobs/bulk", s.handleJobsBulk)
	mux.HandleFunc("/api/jobs/", s.routeJobs) // handles {id}, {id}/cancel, {id}/retry
	mux.HandleFunc("/api/jobs", s.handleJobs)

	// Live events
	mux.HandleFunc("/api/events/jobs", s.handleJobEventsWS)

	// Monitor
	mux.HandleFunc("/api/monitor/health/chart.png", s.handleMonitorChart)
	mux.HandleFunc("/api/monitor/health", s.handleMonitorHealth)
	mux.HandleFunc("/api/monitor/history", s.handleMonitorHistory)
	mux.HandleFunc("/api/monitor/alerts/", s.routeMonitorAlerts) // handles {id}/ack
	mux.HandleFunc("/api/monitor/alerts", s.handleMonitorAlerts)
	mux.HandleFunc("/api/monitor/workers", s.handleMonitorWorkers)

	// Export downloads
	mux.HandleFunc("/api/exports/", s.handleExportDownload)

	// Admin: manual sweeps and the tenant directory
	mux.HandleFunc("/api/admin/maintenance/cleanup", s.handleAdminCleanup)
	mux.HandleFunc("/api/admin/maintenance/reaper", s.handleAdminReaper)
	mux.HandleFunc("/api/admin/tenants", s.handleAdminTenants)
}

// routeJobs dispatches /api/jobs/{id} and /api/jobs/{id}/{action}.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if path == "" {
		s.handleJobs(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleJobByID(w, r, id)
	case "cancel":
		s.handleJobCancel(w, r, id)
	case "retry":
		s.handleJobRetry(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// routeMonitorAlerts dispatches /api/monitor/alerts/{id}/ack.
func (s *Server) routeMonitorAlerts(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/monitor/alerts/")
	if path == "" {
		s.handleMonitorAlerts(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 2 && parts[1] == "ack" {
		s.handleAlertAck(w, r, parts[0])
		return
	}

	WriteError(w, http.StatusNotFound, "Not found")
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// handleConfig reports the effective runtime configuration with secrets
// masked. Admin only.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}

	cfg := s.app.Config
	uptime := time.Since(s.app.StartupTime).Round(time.Second)

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"environment":          cfg.Environment,
		"uptime":               uptime.String(),
		"started_at":           s.app.StartupTime,
		"storage_engine":       cfg.Storage.Engine,
		"storage_job_path":     cfg.Storage.Job.Path,
		"storage_case_path":    cfg.Storage.Case.Path,
		"storage_blob_path":    cfg.Storage.Blob.Path,
		"queue_max_depth":      cfg.Queue.MaxDepthPerTenant,
		"dispatch_concurrency": cfg.Dispatch.MaxConcurrency,
		"dispatch_timeout":     cfg.Dispatch.GetDefaultTimeout().String(),
		"dispatch_max_retries": cfg.Dispatch.DefaultMaxRetries,
		"workers_configured":   len(cfg.Workers),
		"mail_base_url":        cfg.Mail.BaseURL,
		"monitor_interval":     cfg.Monitor.GetHealthInterval().String(),
		"auth_token_expiry":    cfg.Auth.GetTokenExpiry().String(),
		"auth_token_secret":    common.MaskSecret(cfg.Auth.TokenSecret),
		"auth_api_keys":        len(cfg.Auth.APIKeys),
		"auto_retry_enabled":   cfg.Monitor.AutoRetry.Enabled,
		"logging_level":        cfg.Logging.Level,
	})
}

// handleShutdown handles POST /api/shutdown (dev mode only).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("Shutdown requested via HTTP endpoint")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}

func (s *Server) handleMemstats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"heap_alloc_bytes": m.HeapAlloc,
		"heap_inuse_bytes": m.HeapInuse,
		"heap_idle_bytes":  m.HeapIdle,
		"sys_bytes":        m.Sys,
		"num_gc":           m.NumGC,
		"heap_alloc_mb":    float64(m.HeapAlloc) / 1024 / 1024,
		"heap_inuse_mb":    float64(m.HeapInuse) / 1024 / 1024,
		"heap_idle_mb":     float64(m.HeapIdle) / 1024 / 1024,
		"sys_mb":           float64(m.Sys) / 1024 / 1024,
	})
}
