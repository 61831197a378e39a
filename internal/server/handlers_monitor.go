package server

import (
	"net/http"
)

// handleMonitorHealth handles GET /api/monitor/health: the latest system
// health assessment with per-dimension scores.
func (s *Server) handleMonitorHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.identityAny(w, r); !ok {
		return
	}

	report, err := s.app.Monitor.Health(r.Context())
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// handleMonitorChart handles GET /api/monitor/health/chart.png: the health
// trend rendered as a PNG.
func (s *Server) handleMonitorChart(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.identityAny(w, r); !ok {
		return
	}

	png, err := s.app.Monitor.TrendChart(r.Context())
	if err != nil {
		WriteJobError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// handleMonitorHistory handles GET /api/monitor/history: recent health
// samples, oldest first.
func (s *Server) handleMonitorHistory(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.identityAny(w, r); !ok {
		return
	}

	limit := queryInt(r, "limit", 0, 0)
	samples := s.app.Monitor.History(limit)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"samples": samples,
		"count":   len(samples),
	})
}

// handleMonitorAlerts handles GET /api/monitor/alerts: recent alerts, newest
// first.
func (s *Server) handleMonitorAlerts(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.identityAny(w, r); !ok {
		return
	}

	limit := queryInt(r, "limit", 100, 1000)
	alerts := s.app.Monitor.Alerts(limit)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleAlertAck handles POST /api/monitor/alerts/{id}/ack.
func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request, alertID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := s.identityAny(w, r); !ok {
		return
	}

	if !s.app.Monitor.AckAlert(alertID) {
		WriteError(w, http.StatusNotFound, "Alert not found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "acked", "alert_id": alertID})
}

// handleMonitorWorkers handles GET /api/monitor/workers: a snapshot of every
// worker in the pool.
func (s *Server) handleMonitorWorkers(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.identityAny(w, r); !ok {
		return
	}

	WriteJSON(w, http.StatusOK, s.app.Pool.Snapshot())
}
