// Package queue is the submission surface in front of the job store. It
// validates payloads, applies dispatch defaults, enforces the per-tenant
// depth quota, and publishes lifecycle events to the in-process bus and the
// WebSocket hub.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// Service implements interfaces.Queue over a JobStore.
type Service struct {
	store  interfaces.JobStore
	bus    interfaces.EventBus
	logger *common.Logger

	maxDepth       int
	defaultTimeout time.Duration
	defaultRetries int
}

// NewService creates the queue service. The bus may be shared with the pool
// so both sides publish into one event stream.
func NewService(store interfaces.JobStore, bus interfaces.EventBus, logger *common.Logger, config *common.Config) *Service {
	maxDepth := config.Queue.MaxDepthPerTenant
	if maxDepth <= 0 {
		maxDepth = 10000
	}
	retries := config.Dispatch.DefaultMaxRetries
	if retries < 0 {
		retries = 3
	}
	return &Service{
		store:          store,
		bus:            bus,
		logger:         logger,
		maxDepth:       maxDepth,
		defaultTimeout: config.Dispatch.GetDefaultTimeout(),
		defaultRetries: retries,
	}
}

// Enqueue validates and persists a new job. Jobs scheduled for the future
// enter pending; everything else enters queued immediately.
func (s *Service) Enqueue(ctx context.Context, tenant, user, jobType string, payload json.RawMessage, opts *models.JobOptions) (*models.Job, error) {
	if tenant == "" {
		return nil, models.NewJobError(models.ErrKindValidation, "tenant is required")
	}
	if user == "" {
		return nil, models.NewJobError(models.ErrKindValidation, "user is required")
	}
	if !models.IsKnownJobType(jobType) {
		return nil, models.NewJobErrorf(models.ErrKindValidation, "unknown job type %q", jobType)
	}
	if err := models.ValidatePayload(jobType, payload); err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &models.JobOptions{}
	}
	if opts.Priority != "" && !models.IsKnownPriority(opts.Priority) {
		return nil, models.NewJobErrorf(models.ErrKindValidation, "unknown priority %q", opts.Priority)
	}
	if opts.TimeoutMS < 0 {
		return nil, models.NewJobError(models.ErrKindValidation, "timeout_ms must not be negative")
	}
	if opts.MaxRetries != nil && *opts.MaxRetries < 0 {
		return nil, models.NewJobError(models.ErrKindValidation, "max_retries must not be negative")
	}

	queued, running, err := s.store.CountActive(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if queued+running >= s.maxDepth {
		return nil, models.NewJobErrorf(models.ErrKindPrecondition,
			"tenant %q has %d active jobs, ceiling is %d", tenant, queued+running, s.maxDepth).
			WithDetail("active", queued+running).
			WithDetail("ceiling", s.maxDepth)
	}

	now := time.Now()
	job := &models.Job{
		ID:           uuid.New().String(),
		Tenant:       tenant,
		User:         user,
		Type:         jobType,
		Priority:     opts.Priority,
		Payload:      payload,
		MaxRetries:   s.defaultRetries,
		TimeoutMS:    opts.TimeoutMS,
		CreatedAt:    now,
		QueuedAt:     now,
		ScheduledFor: opts.ScheduledFor,
		Metadata:     opts.Metadata,
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	if job.TimeoutMS == 0 {
		job.TimeoutMS = s.defaultTimeout.Milliseconds()
	}
	if opts.MaxRetries != nil {
		job.MaxRetries = *opts.MaxRetries
	}
	if !job.ScheduledFor.IsZero() && job.ScheduledFor.After(now) {
		job.Status = models.JobStatusPending
	} else {
		job.Status = models.JobStatusQueued
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("tenant", tenant).
		Str("type", jobType).
		Str("priority", job.Priority).
		Msg("Job enqueued")

	s.publish(ctx, models.JobEventCreated, job)
	s.publish(ctx, models.JobEventQueued, job)
	return job, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, tenant, id string) (*models.Job, error) {
	return s.store.Get(ctx, tenant, id)
}

// List returns jobs matching the filter plus the total match count.
func (s *Service) List(ctx context.Context, tenant string, filter models.JobFilter) ([]*models.Job, int, error) {
	return s.store.List(ctx, tenant, filter)
}

// Cancel cancels a job. Waiting jobs finalize immediately and emit the
// cancelled event; running jobs are flagged, and the pool finalizes and
// emits once the handler yields.
func (s *Service) Cancel(ctx context.Context, tenant, id string) (*models.Job, error) {
	job, err := s.store.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusRunning {
		if err := s.store.RequestCancel(ctx, tenant, id); err != nil {
			return nil, err
		}
		s.logger.Info().Str("job_id", id).Str("tenant", tenant).Msg("Cancel requested for running job")
		return s.store.Get(ctx, tenant, id)
	}

	if err := s.store.MarkCancelled(ctx, tenant, id); err != nil {
		return nil, err
	}
	cancelled, err := s.store.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, models.JobEventCancelled, cancelled)
	return cancelled, nil
}

// retryableFrom is the status set an explicit retry accepts.
var retryableFrom = map[string]bool{
	models.JobStatusFailed:    true,
	models.JobStatusCancelled: true,
	models.JobStatusStalled:   true,
}

// restartableFrom additionally accepts completed, so a finished job can be
// run again with the same payload.
var restartableFrom = map[string]bool{
	models.JobStatusFailed:    true,
	models.JobStatusCancelled: true,
	models.JobStatusStalled:   true,
	models.JobStatusCompleted: true,
}

// Retry requeues a failed, cancelled, or stalled job with attempts reset and
// the previous error and progress cleared.
func (s *Service) Retry(ctx context.Context, tenant, id string) (*models.Job, error) {
	return s.requeue(ctx, tenant, id, retryableFrom)
}

func (s *Service) requeue(ctx context.Context, tenant, id string, from map[string]bool) (*models.Job, error) {
	job, err := s.store.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if !from[job.Status] {
		return nil, models.NewJobErrorf(models.ErrKindPrecondition,
			"job %q is %s and cannot be requeued", id, job.Status)
	}

	now := time.Now()
	job.Status = models.JobStatusQueued
	job.Attempts = 0
	job.Error = nil
	job.Progress = nil
	job.Result = nil
	job.WorkerID = ""
	job.CancelRequested = false
	job.QueuedAt = now
	job.ScheduledFor = time.Time{}
	job.StartedAt = time.Time{}
	job.CompletedAt = time.Time{}
	job.FailedAt = time.Time{}
	job.CancelledAt = time.Time{}

	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", id).Str("tenant", tenant).Msg("Job requeued")
	s.publish(ctx, models.JobEventRetry, job)
	return job, nil
}

// Delete removes a job row. Running jobs must be cancelled first.
func (s *Service) Delete(ctx context.Context, tenant, id string) error {
	job, err := s.store.Get(ctx, tenant, id)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusRunning {
		return models.NewJobErrorf(models.ErrKindPrecondition,
			"job %q is running and cannot be deleted, cancel it first", id)
	}
	return s.store.Delete(ctx, tenant, id)
}

// Bulk applies one operation to many jobs, reporting per-id outcomes. A
// failure on one id never aborts the rest.
func (s *Service) Bulk(ctx context.Context, tenant, op string, ids []string) (*models.BulkOpResult, error) {
	if len(ids) == 0 {
		return nil, models.NewJobError(models.ErrKindValidation, "bulk operation requires at least one job id")
	}

	apply, err := s.bulkFunc(op)
	if err != nil {
		return nil, err
	}

	result := &models.BulkOpResult{Succeeded: make([]string, 0, len(ids))}
	for _, id := range ids {
		if err := apply(ctx, tenant, id); err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[id] = err.Error()
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}

	s.logger.Info().
		Str("tenant", tenant).
		Str("op", op).
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Msg("Bulk operation applied")
	return result, nil
}

func (s *Service) bulkFunc(op string) (func(ctx context.Context, tenant, id string) error, error) {
	switch op {
	case models.BulkOpCancel:
		return func(ctx context.Context, tenant, id string) error {
			_, err := s.Cancel(ctx, tenant, id)
			return err
		}, nil
	case models.BulkOpRetry:
		return func(ctx context.Context, tenant, id string) error {
			_, err := s.Retry(ctx, tenant, id)
			return err
		}, nil
	case models.BulkOpRestart:
		return func(ctx context.Context, tenant, id string) error {
			_, err := s.requeue(ctx, tenant, id, restartableFrom)
			return err
		}, nil
	case models.BulkOpDelete:
		return s.Delete, nil
	default:
		return nil, models.NewJobErrorf(models.ErrKindValidation,
			"unknown bulk operation %q, expected cancel, retry, delete, or restart", op)
	}
}

// statsWindow bounds the latency averages reported by Stats.
const statsWindow = 24 * time.Hour

// Stats aggregates tenant counts and latency averages over the last day.
func (s *Service) Stats(ctx context.Context, tenant string) (*models.JobStats, error) {
	return s.store.Stats(ctx, tenant, time.Now().Add(-statsWindow))
}

// Subscribe streams one job's events to fn until cancel is called. Events
// are delivered on a dedicated goroutine; a slow fn drops events rather than
// blocking publishers.
func (s *Service) Subscribe(jobID string, fn func(models.JobEvent)) func() {
	return s.pump(func(event models.JobEvent) {
		if event.Job != nil && event.Job.ID == jobID {
			fn(event)
		}
	})
}

// SubscribeAll streams every job event to fn until cancel is called.
func (s *Service) SubscribeAll(fn func(models.JobEvent)) func() {
	return s.pump(fn)
}

func (s *Service) pump(fn func(models.JobEvent)) func() {
	events, cancel := s.bus.Subscribe(64)
	go func() {
		for event := range events {
			fn(event)
		}
	}()
	return cancel
}

// publish emits one lifecycle event with the tenant's current waiting depth
// attached.
func (s *Service) publish(ctx context.Context, eventType string, job *models.Job) {
	queued, _, err := s.store.CountActive(ctx, job.Tenant)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant", job.Tenant).Msg("Failed to count queue depth for event")
	}
	s.bus.Publish(models.JobEvent{
		Type:      eventType,
		Tenant:    job.Tenant,
		Job:       job,
		Timestamp: time.Now(),
		QueueSize: queued,
	})
}

var _ interfaces.Queue = (*Service)(nil)
