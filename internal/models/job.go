package models

import (
	"encoding/json"
	"time"
)

// Job represents a unit of background work owned by one tenant.
type Job struct {
	ID              string            `json:"id" badgerhold:"key"`
	Tenant          string            `json:"tenant" badgerhold:"index"`
	User            string            `json:"user"`
	Type            string            `json:"type" badgerhold:"index"`
	Status          string            `json:"status" badgerhold:"index"`
	Priority        string            `json:"priority"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	Progress        *JobProgress      `json:"progress,omitempty"`
	Error           *JobError         `json:"error,omitempty"`
	Result          *JobResult        `json:"result,omitempty"`
	Attempts        int               `json:"attempts"`
	MaxRetries      int               `json:"max_retries"`
	TimeoutMS       int64             `json:"timeout_ms"`
	CreatedAt       time.Time         `json:"created_at"`
	QueuedAt        time.Time         `json:"queued_at"`
	StartedAt       time.Time         `json:"started_at,omitempty"`
	LastAttempt     time.Time         `json:"last_attempt,omitempty"`
	LastProgress    time.Time         `json:"last_progress,omitempty"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
	FailedAt        time.Time         `json:"failed_at,omitempty"`
	CancelledAt     time.Time         `json:"cancelled_at,omitempty"`
	ScheduledFor    time.Time         `json:"scheduled_for,omitempty"`
	WorkerID        string            `json:"worker_id,omitempty"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Job type constants, the closed set of handler tags.
const (
	JobTypeEmailArchival   = "email-archival"
	JobTypeBulkAssignment  = "bulk-assignment"
	JobTypeStorageCleanup  = "storage-cleanup"
	JobTypeExport          = "export"
	JobTypeContentAnalysis = "content-analysis"
	JobTypeMaintenance     = "maintenance"
)

// JobTypes returns the closed set of known job types.
func JobTypes() []string {
	return []string{
		JobTypeEmailArchival,
		JobTypeBulkAssignment,
		JobTypeStorageCleanup,
		JobTypeExport,
		JobTypeContentAnalysis,
		JobTypeMaintenance,
	}
}

// IsKnownJobType reports whether t names a registered job type.
func IsKnownJobType(t string) bool {
	switch t {
	case JobTypeEmailArchival, JobTypeBulkAssignment, JobTypeStorageCleanup,
		JobTypeExport, JobTypeContentAnalysis, JobTypeMaintenance:
		return true
	}
	return false
}

// Job status constants
const (
	JobStatusPending   = "pending" // scheduled for the future
	JobStatusQueued    = "queued"  // eligible for claim
	JobStatusRunning   = "running" // claimed by a worker
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
	JobStatusRetry     = "retry" // re-queued after a retryable failure
	JobStatusStalled   = "stalled"
)

// Priority constants (urgent > high > normal > low)
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// PriorityRank maps a priority to its claim order: lower rank claims first.
// Unknown priorities sort after low.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// IsKnownPriority reports whether p names a valid priority.
func IsKnownPriority(p string) bool {
	return PriorityRank(p) < 4
}

// IsTerminal reports whether the job reached a final status. A retry moves a
// failed or stalled job back to queued, so "final" holds only until an
// explicit retry.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsClaimable reports whether the job is eligible for worker claim at the
// given instant.
func (j *Job) IsClaimable(now time.Time) bool {
	switch j.Status {
	case JobStatusQueued, JobStatusRetry:
		return j.ScheduledFor.IsZero() || !j.ScheduledFor.After(now)
	case JobStatusPending:
		// Promoted lazily at claim time once the schedule is due.
		return !j.ScheduledFor.IsZero() && !j.ScheduledFor.After(now)
	}
	return false
}

// Timeout returns the job's wall-clock execution budget.
func (j *Job) Timeout() time.Duration {
	if j.TimeoutMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// JobProgress tracks handler checkpoints within one attempt.
type JobProgress struct {
	Percentage     int    `json:"percentage"`
	CurrentStep    string `json:"current_step,omitempty"`
	Step           int    `json:"step,omitempty"`
	TotalSteps     int    `json:"total_steps,omitempty"`
	ProcessedItems int    `json:"processed_items,omitempty"`
	TotalItems     int    `json:"total_items,omitempty"`
}

// JobResult carries the type-specific outcome of a completed job.
type JobResult struct {
	Data     json.RawMessage `json:"data,omitempty"`
	Metrics  JobMetrics      `json:"metrics"`
	Warnings []string        `json:"warnings,omitempty"`
}

// JobMetrics aggregates measurable outcomes of one job execution.
type JobMetrics struct {
	BytesProcessed int64 `json:"bytes_processed,omitempty"`
	ItemsProcessed int   `json:"items_processed,omitempty"`
	DurationMS     int64 `json:"duration_ms,omitempty"`
}

// NewJobResult marshals a typed outcome into a JobResult.
func NewJobResult(data interface{}, metrics JobMetrics, warnings ...string) (*JobResult, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &JobResult{Data: raw, Metrics: metrics, Warnings: warnings}, nil
}

// JobOptions are caller-supplied overrides at enqueue time.
type JobOptions struct {
	Priority     string            `json:"priority,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms,omitempty"`
	MaxRetries   *int              `json:"max_retries,omitempty"`
	ScheduledFor time.Time         `json:"scheduled_for,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// JobFilter narrows job queries. Zero values match everything. Every query
// is additionally scoped to one tenant by the store.
type JobFilter struct {
	Statuses      []string  `json:"statuses,omitempty"`
	Types         []string  `json:"types,omitempty"`
	Priorities    []string  `json:"priorities,omitempty"`
	User          string    `json:"user,omitempty"`
	CaseID        string    `json:"case_id,omitempty"`
	CreatedAfter  time.Time `json:"created_after,omitempty"`
	CreatedBefore time.Time `json:"created_before,omitempty"`
	Search        string    `json:"search,omitempty"` // free text over payload and metadata
	SortBy        string    `json:"sort_by,omitempty"`
	SortDesc      bool      `json:"sort_desc,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	Offset        int       `json:"offset,omitempty"`
}

// Sort field constants for JobFilter.SortBy.
const (
	SortByCreated   = "created"
	SortByStarted   = "started"
	SortByCompleted = "completed"
	SortByPriority  = "priority"
	SortByStatus    = "status"
)

// Bulk operation constants for BulkOp.
const (
	BulkOpCancel  = "cancel"
	BulkOpRetry   = "retry"
	BulkOpDelete  = "delete"
	BulkOpRestart = "restart"
)

// BulkOpResult reports the per-id outcome of a bulk operation.
type BulkOpResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// JobStats summarizes a tenant's job table (or the whole table for sweeps).
type JobStats struct {
	Tenant     string         `json:"tenant,omitempty"`
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByType     map[string]int `json:"by_type"`
	ByPriority map[string]int `json:"by_priority"`
	AvgWaitMS  int64          `json:"avg_wait_ms"`  // created to started, over the window
	AvgRunMS   int64          `json:"avg_run_ms"`   // started to terminal, over the window
	WindowFrom time.Time      `json:"window_from"`  // stats window start
	Collected  time.Time      `json:"collected_at"` // when the snapshot was taken
}

// Job event type constants, emitted on job state transitions.
const (
	JobEventCreated   = "job_created"
	JobEventQueued    = "job_queued"
	JobEventStarted   = "job_started"
	JobEventProgress  = "job_progress"
	JobEventCompleted = "job_completed"
	JobEventFailed    = "job_failed"
	JobEventCancelled = "job_cancelled"
	JobEventRetry     = "job_retry"
)

// JobEvent is broadcast to subscribers and WebSocket clients when job state
// changes.
type JobEvent struct {
	Type      string    `json:"type"`
	Tenant    string    `json:"tenant"`
	Job       *Job      `json:"job"`
	Timestamp time.Time `json:"timestamp"`
	QueueSize int       `json:"queue_size,omitempty"`
}
