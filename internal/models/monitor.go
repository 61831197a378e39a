package models

import "time"

// Health statuses derived from the overall score.
const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
)

// HealthyScoreFloor is the lowest overall score still reported healthy.
const HealthyScoreFloor = 70

// HealthScore is one sub-dimension of system health, scored 0 to 100.
type HealthScore struct {
	Score   int                    `json:"score"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthReport is the monitor's periodic assessment. Overall is the mean of
// the three subscores.
type HealthReport struct {
	Status      string      `json:"status"`
	Overall     int         `json:"overall"`
	Workers     HealthScore `json:"workers"`
	Queue       HealthScore `json:"queue"`
	Processing  HealthScore `json:"processing"`
	ActiveJobs  int         `json:"active_jobs"`
	QueuedJobs  int         `json:"queued_jobs"`
	StalledJobs int         `json:"stalled_jobs"`
	CollectedAt time.Time   `json:"collected_at"`
}

// HealthSample is a compact point for the health trend history.
type HealthSample struct {
	At         time.Time `json:"at"`
	Overall    int       `json:"overall"`
	Workers    int       `json:"workers"`
	Queue      int       `json:"queue"`
	Processing int       `json:"processing"`
}

// Sample reduces a report to a trend point.
func (r *HealthReport) Sample() HealthSample {
	return HealthSample{
		At:         r.CollectedAt,
		Overall:    r.Overall,
		Workers:    r.Workers.Score,
		Queue:      r.Queue.Score,
		Processing: r.Processing.Score,
	}
}
