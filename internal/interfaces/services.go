// Package interfaces defines service contracts for Docket
package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/models"
)

// Queue is the submission surface in front of the job store. It validates,
// applies defaults, enforces the per-tenant depth quota, and publishes
// lifecycle events.
type Queue interface {
	// Enqueue validates and persists a new job, returning it in its
	// queued (or scheduled pending) state.
	Enqueue(ctx context.Context, tenant, user, jobType string, payload json.RawMessage, opts *models.JobOptions) (*models.Job, error)

	// Get returns one job.
	Get(ctx context.Context, tenant, id string) (*models.Job, error)

	// List returns jobs matching the filter plus the total match count.
	List(ctx context.Context, tenant string, filter models.JobFilter) ([]*models.Job, int, error)

	// Cancel cancels a job. Waiting jobs finalize immediately; running
	// jobs are flagged and finalize when the handler yields.
	Cancel(ctx context.Context, tenant, id string) (*models.Job, error)

	// Retry requeues a failed, cancelled, or stalled job with attempts
	// reset.
	Retry(ctx context.Context, tenant, id string) (*models.Job, error)

	// Delete removes a job row. Running jobs must be cancelled first.
	Delete(ctx context.Context, tenant, id string) error

	// Bulk applies an operation (cancel, retry, delete, restart) to many
	// jobs, reporting per-id outcomes.
	Bulk(ctx context.Context, tenant, op string, ids []string) (*models.BulkOpResult, error)

	// Stats aggregates tenant counts and latency averages.
	Stats(ctx context.Context, tenant string) (*models.JobStats, error)

	// Subscribe streams one job's lifecycle events to fn until the returned
	// cancel func is called. Best-effort and in-process only.
	Subscribe(jobID string, fn func(models.JobEvent)) (cancel func())

	// SubscribeAll streams every job event to fn until cancel is called.
	SubscribeAll(fn func(models.JobEvent)) (cancel func())
}

// EventBus fans job lifecycle events out to subscribers. Publish never
// blocks; slow subscribers are dropped.
type EventBus interface {
	Publish(event models.JobEvent)
	Subscribe(buffer int) (<-chan models.JobEvent, func())
}

// AlertSink receives monitor alerts as they are raised.
type AlertSink interface {
	RaiseAlert(alert models.Alert)
}

// ProgressSink reports handler progress checkpoints. Implementations persist
// the checkpoint and refresh job liveness.
type ProgressSink func(ctx context.Context, progress models.JobProgress) error

// CancelSignal reports whether a cooperative cancel has been requested.
// Handlers poll it at batch boundaries.
type CancelSignal func(ctx context.Context) bool

// JobHandler executes one job type. Execute returns the job result, or an
// error classified per the job error taxonomy; the pool decides between
// retry and failure from the error's retryable flag.
type JobHandler interface {
	// Type returns the job type tag this handler serves.
	Type() string

	// Execute runs the job to completion, honoring ctx for timeout.
	Execute(ctx context.Context, job *models.Job, sink ProgressSink, cancelled CancelSignal) (*models.JobResult, error)
}

// ArchiveOptions configures email archival.
type ArchiveOptions struct {
	ForceRestore    bool // overwrite an existing archive
	SkipAttachments bool // store bodies and headers only
}

// Archiver persists fetched emails into case-centric blob storage.
type Archiver interface {
	// Store writes one fetched email under its case, returning what was
	// written. An existing archive is skipped unless ForceRestore is set.
	Store(ctx context.Context, tenant, caseID string, fetched *models.FetchResult, opts ArchiveOptions) (*models.StorageResult, error)

	// Retrieve loads an archived email record with its content.
	Retrieve(ctx context.Context, tenant, caseID, messageID string) (*models.RetrievalResult, error)

	// HasArchive reports whether an email is already archived for a case.
	HasArchive(ctx context.Context, tenant, caseID, messageID string) (bool, error)

	// Delete removes one archived email entirely.
	Delete(ctx context.Context, tenant, caseID, messageID string) error

	// CaseStats aggregates archive counts and sizes for one case.
	CaseStats(ctx context.Context, tenant, caseID string) (*models.CaseArchiveStats, error)

	// ListCases returns the ids of cases holding at least one archived
	// object, sorted.
	ListCases(ctx context.Context, tenant string) ([]string, error)

	// ListEmails returns the archive records under one case, sorted by
	// message id.
	ListEmails(ctx context.Context, tenant, caseID string) ([]*models.ArchivedEmailRecord, error)

	// Purge removes archived emails older than cutoff for a case scope
	// ("all" spans every case). DryRun reports without deleting.
	Purge(ctx context.Context, tenant, scope string, cutoff time.Time, dryRun bool) (*models.CleanupReport, error)
}

// Pool runs worker loops that claim and execute jobs.
type Pool interface {
	// Start launches the worker loops and the health check.
	Start(ctx context.Context) error

	// Stop drains the pool: workers finish their current job, then exit.
	Stop(ctx context.Context) error

	// Snapshot returns a read-only view of every worker.
	Snapshot() models.PoolSnapshot
}

// Monitor assesses system health on an interval and raises alerts.
type Monitor interface {
	Start(ctx context.Context) error
	Stop()

	// Health returns the latest assessment, computing one on demand when
	// none has been collected yet.
	Health(ctx context.Context) (*models.HealthReport, error)

	// Alerts returns the most recent alerts, newest first.
	Alerts(limit int) []models.Alert

	// AckAlert marks an alert acknowledged. Returns false when the id is
	// unknown or already evicted from the ring.
	AckAlert(id string) bool

	// History returns recent health trend samples, oldest first.
	History(limit int) []models.HealthSample

	// TrendChart renders the health trend history as a PNG.
	TrendChart(ctx context.Context) ([]byte, error)
}

// Maintenance owns the background cleanup and stall-reaper loops.
type Maintenance interface {
	Start(ctx context.Context) error
	Stop()

	// RunCleanup executes one cleanup pass immediately.
	RunCleanup(ctx context.Context) (removed int, err error)

	// RunReaper executes one stall sweep immediately.
	RunReaper(ctx context.Context) (stalled int, err error)
}

// AuthService exchanges API keys for bearer tokens and verifies them.
type AuthService interface {
	// ExchangeAPIKey validates an API key and mints a signed token for the
	// identity it is bound to.
	ExchangeAPIKey(ctx context.Context, apiKey string) (token string, identity *common.Identity, err error)

	// VerifyToken validates a bearer token and returns its identity.
	VerifyToken(ctx context.Context, token string) (*common.Identity, error)
}
