package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// maxTopErrors caps the per-id failures echoed into the bulk result.
const maxTopErrors = 10

// bulkOutcome is the result data of one bulk-assignment run.
type bulkOutcome struct {
	Total     int      `json:"total"`
	Success   int      `json:"success"`
	Error     int      `json:"error"`
	TopErrors []string `json:"top_errors,omitempty"`
}

// BulkAssignmentHandler assigns batches of emails to a case and enqueues a
// sibling archival job per assignment. Individual failures are counted, not
// fatal; the run completes with warnings instead.
type BulkAssignmentHandler struct {
	cases  interfaces.CaseStore
	queue  interfaces.Queue
	logger *common.Logger

	// batchPause spaces batches out so a large run cannot monopolize the
	// upstream rate budget. Tests shrink it.
	batchPause time.Duration
}

// NewBulkAssignmentHandler wires the bulk-assignment worker.
func NewBulkAssignmentHandler(cases interfaces.CaseStore, queue interfaces.Queue, logger *common.Logger) *BulkAssignmentHandler {
	return &BulkAssignmentHandler{
		cases:      cases,
		queue:      queue,
		logger:     logger,
		batchPause: time.Second,
	}
}

// Type returns the job type tag.
func (h *BulkAssignmentHandler) Type() string { return models.JobTypeBulkAssignment }

// Execute walks the email ids in batches, checking for cancellation at each
// batch boundary and reporting item-level progress after each batch.
func (h *BulkAssignmentHandler) Execute(ctx context.Context, job *models.Job, sink interfaces.ProgressSink, cancelled interfaces.CancelSignal) (*models.JobResult, error) {
	var payload models.BulkAssignmentPayload
	if err := models.ParsePayload(job, &payload); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	batchSize := payload.EffectiveBatchSize()
	skipExisting := payload.EffectiveSkipExisting()
	total := len(payload.EmailIDs)
	batches := (total + batchSize - 1) / batchSize

	outcome := bulkOutcome{Total: total}
	processed := 0

	for batch := 0; batch < batches; batch++ {
		if cancelled(ctx) {
			return nil, cancelErr()
		}

		start := batch * batchSize
		end := start + batchSize
		if end > total {
			end = total
		}
		for _, messageID := range payload.EmailIDs[start:end] {
			if err := h.assign(ctx, job, &payload, messageID, skipExisting); err != nil {
				outcome.Error++
				if len(outcome.TopErrors) < maxTopErrors {
					outcome.TopErrors = append(outcome.TopErrors, fmt.Sprintf("%s: %v", messageID, err))
				}
				h.logger.Warn().
					Str("job_id", job.ID).
					Str("message_id", messageID).
					Err(err).
					Msg("Assignment failed")
				continue
			}
			outcome.Success++
		}
		processed = end

		if err := sink(ctx, models.JobProgress{
			Percentage:     processed * 100 / total,
			CurrentStep:    fmt.Sprintf("batch %d of %d", batch+1, batches),
			Step:           batch + 1,
			TotalSteps:     batches,
			ProcessedItems: processed,
			TotalItems:     total,
		}); err != nil {
			return nil, err
		}

		if batch < batches-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.batchPause):
			}
		}
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("tenant", job.Tenant).
		Str("case_id", payload.CaseID).
		Int("total", outcome.Total).
		Int("success", outcome.Success).
		Int("error", outcome.Error).
		Msg("Bulk assignment finished")

	var warnings []string
	if outcome.Error > 0 {
		warnings = append(warnings, fmt.Sprintf("%d of %d assignments failed", outcome.Error, outcome.Total))
	}
	return models.NewJobResult(outcome, models.JobMetrics{
		ItemsProcessed: processed,
		DurationMS:     time.Since(started).Milliseconds(),
	}, warnings...)
}

// assign records one email-to-case assignment and enqueues its archival
// sibling. An existing assignment to the same case is skipped when the
// payload asks for that; the skip counts as a success.
func (h *BulkAssignmentHandler) assign(ctx context.Context, job *models.Job, payload *models.BulkAssignmentPayload, messageID string, skipExisting bool) error {
	if messageID == "" {
		return models.NewJobError(models.ErrKindValidation, "empty email id")
	}

	existing, err := h.cases.GetAssignment(ctx, job.Tenant, messageID)
	if err != nil && !models.IsErrKind(err, models.ErrKindNotFound) {
		return err
	}
	if existing != nil && existing.CaseID == payload.CaseID && skipExisting {
		return nil
	}

	assignment := &models.CaseAssignment{
		Tenant:     job.Tenant,
		MessageID:  messageID,
		CaseID:     payload.CaseID,
		AssignedBy: job.User,
		AssignedAt: time.Now(),
	}
	if err := h.cases.SaveAssignment(ctx, assignment); err != nil {
		return err
	}

	raw, err := json.Marshal(models.ArchivalPayload{MessageID: messageID, CaseID: payload.CaseID})
	if err != nil {
		return err
	}
	sibling, err := h.queue.Enqueue(ctx, job.Tenant, job.User, models.JobTypeEmailArchival, raw, &models.JobOptions{
		Priority: job.Priority,
		Metadata: map[string]string{"case_id": payload.CaseID, "source_job": job.ID},
	})
	if err != nil {
		return err
	}

	assignment.ArchiveJobID = sibling.ID
	return h.cases.SaveAssignment(ctx, assignment)
}

var _ interfaces.JobHandler = (*BulkAssignmentHandler)(nil)
