package workers

import (
	"context"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// cleanupSteps: collect stats, purge.
const cleanupSteps = 2

// cleanupOutcome is the result data of one storage-cleanup run.
type cleanupOutcome struct {
	Stats  []*models.CaseArchiveStats `json:"stats"`
	Report *models.CleanupReport      `json:"report"`
}

// CleanupHandler reclaims archive storage: it surveys the cases in scope and
// purges emails stored before the cutoff. Dry runs report without deleting.
type CleanupHandler struct {
	archiver   interfaces.Archiver
	defaultAge time.Duration
	logger     *common.Logger
}

// NewCleanupHandler wires the storage-cleanup worker.
func NewCleanupHandler(archiver interfaces.Archiver, config *common.Config, logger *common.Logger) *CleanupHandler {
	return &CleanupHandler{
		archiver:   archiver,
		defaultAge: config.Cleanup.GetArchiveAge(),
		logger:     logger,
	}
}

// Type returns the job type tag.
func (h *CleanupHandler) Type() string { return models.JobTypeStorageCleanup }

// Execute surveys the scope, then purges. The cutoff derives from the
// payload age when given, the configured archive age otherwise.
func (h *CleanupHandler) Execute(ctx context.Context, job *models.Job, sink interfaces.ProgressSink, cancelled interfaces.CancelSignal) (*models.JobResult, error) {
	var payload models.CleanupPayload
	if err := models.ParsePayload(job, &payload); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	age := h.defaultAge
	if payload.CleanupAgeMS > 0 {
		age = time.Duration(payload.CleanupAgeMS) * time.Millisecond
	}
	cutoff := time.Now().Add(-age)

	if cancelled(ctx) {
		return nil, cancelErr()
	}
	if err := sink(ctx, stepProgress(0, 1, cleanupSteps, "collecting archive stats")); err != nil {
		return nil, err
	}
	caseIDs := []string{payload.TargetScope}
	if payload.TargetScope == models.CleanupScopeAll {
		var err error
		caseIDs, err = h.archiver.ListCases(ctx, job.Tenant)
		if err != nil {
			return nil, models.AsJobError(err, models.ErrKindStorage)
		}
	}
	stats := make([]*models.CaseArchiveStats, 0, len(caseIDs))
	for _, caseID := range caseIDs {
		if cancelled(ctx) {
			return nil, cancelErr()
		}
		cs, err := h.archiver.CaseStats(ctx, job.Tenant, caseID)
		if err != nil {
			return nil, models.AsJobError(err, models.ErrKindStorage)
		}
		stats = append(stats, cs)
	}

	if cancelled(ctx) {
		return nil, cancelErr()
	}
	if err := sink(ctx, stepProgress(50, 2, cleanupSteps, "purging aged archives")); err != nil {
		return nil, err
	}
	report, err := h.archiver.Purge(ctx, job.Tenant, payload.TargetScope, cutoff, payload.DryRun)
	if err != nil {
		return nil, models.AsJobError(err, models.ErrKindStorage)
	}

	if err := sink(ctx, stepProgress(100, 2, cleanupSteps, "cleanup finished")); err != nil {
		return nil, err
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("tenant", job.Tenant).
		Str("scope", payload.TargetScope).
		Bool("dry_run", payload.DryRun).
		Int("emails_removed", report.EmailsRemoved).
		Int64("bytes_reclaimed", report.BytesReclaimed).
		Msg("Storage cleanup finished")

	return models.NewJobResult(cleanupOutcome{Stats: stats, Report: report}, models.JobMetrics{
		BytesProcessed: report.BytesReclaimed,
		ItemsProcessed: report.EmailsRemoved,
		DurationMS:     time.Since(started).Milliseconds(),
	})
}

var _ interfaces.JobHandler = (*CleanupHandler)(nil)
