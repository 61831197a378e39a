package workers

import (
	"context"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// PassthroughHandler accepts job types whose real work runs outside this
// subsystem. The job is logged and completed immediately so callers get the
// standard lifecycle and event stream.
type PassthroughHandler struct {
	jobType string
	logger  *common.Logger
}

// NewPassthroughHandler wires a pass-through worker for one job type.
func NewPassthroughHandler(jobType string, logger *common.Logger) *PassthroughHandler {
	return &PassthroughHandler{jobType: jobType, logger: logger}
}

// Type returns the job type tag.
func (h *PassthroughHandler) Type() string { return h.jobType }

// Execute acknowledges the job.
func (h *PassthroughHandler) Execute(ctx context.Context, job *models.Job, sink interfaces.ProgressSink, cancelled interfaces.CancelSignal) (*models.JobResult, error) {
	if cancelled(ctx) {
		return nil, cancelErr()
	}
	started := time.Now()

	event := h.logger.Info().
		Str("job_id", job.ID).
		Str("tenant", job.Tenant).
		Str("type", h.jobType)
	if h.jobType == models.JobTypeMaintenance && len(job.Payload) > 0 {
		var payload models.MaintenancePayload
		if err := models.ParsePayload(job, &payload); err == nil && payload.Task != "" {
			event = event.Str("task", payload.Task)
		}
	}
	event.Msg("Pass-through job acknowledged")

	if err := sink(ctx, stepProgress(100, 1, 1, "acknowledged")); err != nil {
		return nil, err
	}
	return models.NewJobResult(map[string]bool{"acknowledged": true}, models.JobMetrics{
		DurationMS: time.Since(started).Milliseconds(),
	})
}

var _ interfaces.JobHandler = (*PassthroughHandler)(nil)
