// Package interfaces defines service contracts for Docket
package interfaces

import (
	"context"
	"time"

	"github.com/casekit/docket/internal/models"
)

// StorageManager coordinates all storage backends
type StorageManager interface {
	// Storage accessors
	JobStore() JobStore
	CaseStore() CaseStore
	ExportStore() ExportStore
	BlobStore() BlobStore

	// DataPath returns the base data directory path (e.g. /app/data).
	DataPath() string

	// Lifecycle
	Close() error
}

// JobStore manages the persistent job table. All reads and writes are
// tenant-scoped except the claim and sweep operations, which run across
// tenants on behalf of the pool and the maintenance loops.
type JobStore interface {
	// Create persists a new job row. Fails if the ID is already taken.
	Create(ctx context.Context, job *models.Job) error

	// Get returns a job by tenant and id. Missing rows return a NOT_FOUND
	// job error.
	Get(ctx context.Context, tenant, id string) (*models.Job, error)

	// Update overwrites a job row, preserving CreatedAt.
	Update(ctx context.Context, job *models.Job) error

	// Delete removes a job row.
	Delete(ctx context.Context, tenant, id string) error

	// List returns jobs matching the filter plus the total match count
	// before pagination.
	List(ctx context.Context, tenant string, filter models.JobFilter) ([]*models.Job, int, error)

	// Claim atomically takes the next claimable job for the given types:
	// highest priority first, oldest first within a priority. The claimed
	// job transitions to running with attempts+1, started and worker set.
	// Returns (nil, nil) when nothing is claimable.
	Claim(ctx context.Context, workerID string, types []string) (*models.Job, error)

	// UpdateProgress records handler progress and refreshes the liveness
	// timestamp. Only running jobs accept progress.
	UpdateProgress(ctx context.Context, tenant, id string, progress models.JobProgress) error

	// Heartbeat refreshes the liveness timestamp without changing progress.
	Heartbeat(ctx context.Context, tenant, id string) error

	// MarkCompleted finalizes a running job as completed with its result.
	MarkCompleted(ctx context.Context, tenant, id string, result *models.JobResult) error

	// MarkFailed finalizes a job as failed with its last error.
	MarkFailed(ctx context.Context, tenant, id string, jobErr *models.JobError) error

	// MarkRetry schedules a failed attempt for another run after delay,
	// recording the error that caused it.
	MarkRetry(ctx context.Context, tenant, id string, jobErr *models.JobError, delay time.Duration) error

	// MarkCancelled finalizes a job as cancelled.
	MarkCancelled(ctx context.Context, tenant, id string) error

	// RequestCancel flags a running job for cooperative cancellation.
	RequestCancel(ctx context.Context, tenant, id string) error

	// CancelRequested reports whether a cancel has been requested.
	CancelRequested(ctx context.Context, tenant, id string) (bool, error)

	// Stats aggregates counts and latency averages for a tenant.
	Stats(ctx context.Context, tenant string, since time.Time) (*models.JobStats, error)

	// CountActive returns queued+retry and running counts for a tenant.
	// An empty tenant counts across all tenants.
	CountActive(ctx context.Context, tenant string) (queued int, running int, err error)

	// MarkStalled transitions running jobs whose liveness timestamp is
	// older than cutoff to stalled, returning the affected jobs.
	MarkStalled(ctx context.Context, cutoff time.Time) ([]*models.Job, error)

	// ListStalled returns jobs currently in the stalled state.
	ListStalled(ctx context.Context) ([]*models.Job, error)

	// DeleteTerminalBefore removes terminal jobs whose completion is older
	// than cutoff, per status. Returns the number removed.
	DeleteTerminalBefore(ctx context.Context, status string, cutoff time.Time) (int, error)

	// RequeueOrphans returns running jobs to the queue. Called on startup
	// to recover jobs that were in-flight when the process crashed.
	RequeueOrphans(ctx context.Context) (int, error)

	// Tenants lists every tenant that has enqueued at least one job.
	Tenants(ctx context.Context) ([]string, error)

	Close() error
}

// CaseStore manages email-to-case assignments.
type CaseStore interface {
	SaveAssignment(ctx context.Context, a *models.CaseAssignment) error
	GetAssignment(ctx context.Context, tenant, messageID string) (*models.CaseAssignment, error)
	HasAssignment(ctx context.Context, tenant, messageID string) (bool, error)
	ListByCase(ctx context.Context, tenant, caseID string) ([]*models.CaseAssignment, error)
	DeleteByCase(ctx context.Context, tenant, caseID string) (int, error)
	Close() error
}

// ExportStore manages export artifacts and their short-lived download keys.
type ExportStore interface {
	SaveArtifact(ctx context.Context, artifact *models.ExportArtifact) error
	GetArtifact(ctx context.Context, tenant, key string) (*models.ExportArtifact, error)

	// PurgeExpired removes lapsed artifacts, returning them so the caller
	// can delete their rendered blobs.
	PurgeExpired(ctx context.Context, now time.Time) ([]*models.ExportArtifact, error)
	Close() error
}

// BlobInfo describes one stored blob.
type BlobInfo struct {
	Key        string
	Size       int64
	ModifiedAt time.Time
}

// BlobStore provides binary blob storage under hierarchical keys.
type BlobStore interface {
	// Put writes a blob atomically. Key segments are slash-separated.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns blob data and content type.
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Exists reports whether a blob is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes a single blob.
	Delete(ctx context.Context, key string) error

	// List returns blobs under a key prefix.
	List(ctx context.Context, prefix string) ([]BlobInfo, error)

	// DeletePrefix removes every blob under a prefix, returning the count
	// and total bytes removed.
	DeletePrefix(ctx context.Context, prefix string) (int, int64, error)
}
