package models

import "time"

// Alert severities.
const (
	AlertSeverityInfo     = "info"
	AlertSeverityWarning  = "warning"
	AlertSeverityError    = "error"
	AlertSeverityCritical = "critical"
)

// Alert categories raised by the monitor.
const (
	AlertCategoryErrorRate  = "error-rate"
	AlertCategoryQueueDepth = "queue-depth"
	AlertCategorySlowJob    = "slow-job"
	AlertCategoryStalledJob = "stalled-job"
	AlertCategoryWorker     = "worker"
	AlertCategoryAutoRetry  = "auto-retry"
)

// Alert is a monitor finding. Alerts are held in a bounded in-memory ring and
// broadcast to subscribers; they are not persisted.
type Alert struct {
	ID        string                 `json:"id"`
	Severity  string                 `json:"severity"`
	Category  string                 `json:"category"`
	Message   string                 `json:"message"`
	Tenant    string                 `json:"tenant,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	JobType   string                 `json:"job_type,omitempty"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	Acked     bool                   `json:"acked,omitempty"`
	AckedAt   *time.Time             `json:"acked_at,omitempty"`
}
