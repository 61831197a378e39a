package models

import "time"

// Worker lifecycle states as reported in pool snapshots.
const (
	WorkerStatusIdle      = "idle"
	WorkerStatusBusy      = "busy"
	WorkerStatusStopped   = "stopped"
	WorkerStatusUnhealthy = "unhealthy"
)

// WorkerMetrics are cumulative counters for one worker since pool start.
type WorkerMetrics struct {
	JobsProcessed     int64 `json:"jobs_processed"`
	JobsFailed        int64 `json:"jobs_failed"`
	PanicsRecovered   int64 `json:"panics_recovered"`
	TotalBusyMS       int64 `json:"total_busy_ms"`
	LastJobDurationMS int64 `json:"last_job_duration_ms,omitempty"`
}

// WorkerSnapshot is a read-only view of one worker loop, published by the
// pool for the monitor and the admin surface.
type WorkerSnapshot struct {
	ID            string        `json:"id"`
	Types         []string      `json:"types"`
	Status        string        `json:"status"`
	CurrentJobID  string        `json:"current_job_id,omitempty"`
	CurrentTenant string        `json:"current_tenant,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	RestartCount  int           `json:"restart_count"`
	Metrics       WorkerMetrics `json:"metrics"`
}

// Healthy reports whether the worker heartbeat is fresher than maxAge.
func (w *WorkerSnapshot) Healthy(now time.Time, maxAge time.Duration) bool {
	if w.Status == WorkerStatusStopped {
		return false
	}
	return now.Sub(w.LastHeartbeat) <= maxAge
}

// PoolSnapshot is a read-only view of the whole pool.
type PoolSnapshot struct {
	StartedAt time.Time        `json:"started_at"`
	Running   bool             `json:"running"`
	Workers   []WorkerSnapshot `json:"workers"`
}

// HealthyCount returns the number of workers with a fresh heartbeat.
func (p *PoolSnapshot) HealthyCount(now time.Time, maxAge time.Duration) int {
	n := 0
	for i := range p.Workers {
		if p.Workers[i].Healthy(now, maxAge) {
			n++
		}
	}
	return n
}
