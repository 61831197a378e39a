package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// worker is one claim loop. It owns its lifecycle state under mu; the
// executions it spawns run detached from the loop context so a draining pool
// lets them finish under their own job timeouts.
type worker struct {
	pool *Pool

	id        string
	types     []string
	maxConc   int
	heartbeat time.Duration

	mu            sync.Mutex
	status        string
	currentJobID  string
	currentTenant string
	startedAt     time.Time
	lastBeat      time.Time
	restarts      int
	inFlight      int
	metrics       models.WorkerMetrics
	loopCancel    context.CancelFunc
}

func newWorker(p *Pool, cfg *common.WorkerConfig, now time.Time) *worker {
	types := cfg.Types
	if len(types) == 0 {
		types = p.registry.Types()
	}
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}
	return &worker{
		pool:      p,
		id:        cfg.ID,
		types:     types,
		maxConc:   maxConc,
		heartbeat: cfg.GetHeartbeatInterval(),
		status:    models.WorkerStatusIdle,
		startedAt: now,
		lastBeat:  now,
	}
}

// dispatchLoop claims and launches jobs until the loop context ends. Each
// iteration refreshes the worker heartbeat, so a wedged loop stops beating
// and gets restarted by the health check.
func (w *worker) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.setStopped()
			return
		default:
		}
		w.beat()

		if w.atCapacity() || !w.pool.acquireSlot() {
			if !sleepCtx(ctx, claimBusyPause) {
				w.setStopped()
				return
			}
			continue
		}

		job, err := w.pool.store.Claim(ctx, w.id, w.types)
		if err != nil {
			w.pool.releaseSlot()
			w.pool.logger.Warn().Str("worker_id", w.id).Err(err).Msg("Worker claim error")
			if !sleepCtx(ctx, claimErrorPause) {
				w.setStopped()
				return
			}
			continue
		}
		if job == nil {
			w.pool.releaseSlot()
			if !sleepCtx(ctx, claimEmptyPause) {
				w.setStopped()
				return
			}
			continue
		}

		w.begin(job)
		w.pool.publish(ctx, models.JobEventStarted, job)
		w.pool.safeGo(w.id+"-exec", func() {
			defer w.pool.releaseSlot()
			w.execute(job)
		})
	}
}

// execute runs one claimed job to a terminal status. The run context is
// detached from the loop so shutdown drains in-flight work; it expires at
// the job's own timeout.
func (w *worker) execute(job *models.Job) {
	runCtx, cancel := context.WithTimeout(context.Background(), job.Timeout())
	defer cancel()

	liveCtx, stopLiveness := context.WithCancel(runCtx)
	w.pool.safeGo(w.id+"-liveness", func() { w.livenessLoop(liveCtx, job) })

	start := time.Now()
	result, execErr := w.runHandler(runCtx, job)
	duration := time.Since(start)
	stopLiveness()

	w.record(job, result, execErr, duration)
	w.finish(job, duration, execErr)
}

// livenessLoop refreshes the job row's progress timestamp while the handler
// runs, keeping a healthy long job out of the stalled reaper's net.
func (w *worker) livenessLoop(ctx context.Context, job *models.Job) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.pool.store.Heartbeat(ctx, job.Tenant, job.ID); err != nil {
				w.pool.logger.Warn().
					Str("worker_id", w.id).
					Str("job_id", job.ID).
					Err(err).
					Msg("Failed to refresh job liveness")
			}
		}
	}
}

// runHandler resolves the job's handler and executes it, converting a panic
// into a retryable processing error.
func (w *worker) runHandler(ctx context.Context, job *models.Job) (result *models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.mu.Lock()
			w.metrics.PanicsRecovered++
			w.mu.Unlock()
			w.pool.logger.Error().
				Str("worker_id", w.id).
				Str("job_id", job.ID).
				Str("job_type", job.Type).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in job handler")
			result = nil
			err = models.NewJobErrorf(models.ErrKindProcessing, "handler panic: %v", r)
		}
	}()

	handler, ok := w.pool.registry.Get(job.Type)
	if !ok {
		return nil, models.NewJobErrorf(models.ErrKindValidation, "no handler registered for job type %q", job.Type)
	}
	return handler.Execute(ctx, job, w.progressSink(job), w.cancelSignal(job))
}

// record writes the job's terminal (or retry) status and publishes the
// matching event. Writes use a fresh context; the run context may already be
// expired.
func (w *worker) record(job *models.Job, result *models.JobResult, execErr error, duration time.Duration) {
	ctx := context.Background()

	switch {
	case execErr == nil:
		if err := w.pool.store.MarkCompleted(ctx, job.Tenant, job.ID, result); err != nil {
			w.pool.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job completed")
			return
		}
		w.pool.logger.Debug().
			Str("worker_id", w.id).
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("Job completed")
		job.Status = models.JobStatusCompleted
		job.Result = result
		w.pool.publish(ctx, models.JobEventCompleted, job)

	case models.IsErrKind(execErr, models.ErrKindCancelled) || errors.Is(execErr, context.Canceled):
		if err := w.pool.store.MarkCancelled(ctx, job.Tenant, job.ID); err != nil {
			w.pool.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job cancelled")
			return
		}
		w.pool.logger.Info().
			Str("worker_id", w.id).
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Msg("Job cancelled")
		job.Status = models.JobStatusCancelled
		w.pool.publish(ctx, models.JobEventCancelled, job)

	case errors.Is(execErr, context.DeadlineExceeded):
		jobErr := models.NewJobErrorf(models.ErrKindTimeout, "job exceeded its %s timeout", job.Timeout())
		w.retryOrFail(ctx, job, jobErr, duration)

	default:
		w.retryOrFail(ctx, job, models.AsJobError(execErr, models.ErrKindProcessing), duration)
	}
}

// retryOrFail schedules another attempt when the error is retryable and the
// retry budget allows, otherwise fails the job.
func (w *worker) retryOrFail(ctx context.Context, job *models.Job, jobErr *models.JobError, duration time.Duration) {
	if jobErr.Retryable && job.Attempts <= job.MaxRetries {
		delay := w.pool.backoff.DelayFor(job.Attempts)
		if err := w.pool.store.MarkRetry(ctx, job.Tenant, job.ID, jobErr, delay); err != nil {
			w.pool.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to schedule job retry")
			return
		}
		w.pool.logger.Info().
			Str("worker_id", w.id).
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Str("error_kind", jobErr.Kind).
			Int("attempt", job.Attempts).
			Int("max_retries", job.MaxRetries).
			Dur("delay", delay).
			Msg("Re-queuing failed job")
		job.Status = models.JobStatusRetry
		job.Error = jobErr
		w.pool.publish(ctx, models.JobEventRetry, job)
		return
	}

	if err := w.pool.store.MarkFailed(ctx, job.Tenant, job.ID, jobErr); err != nil {
		w.pool.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to mark job failed")
		return
	}
	w.pool.logger.Warn().
		Str("worker_id", w.id).
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("error_kind", jobErr.Kind).
		Int("attempt", job.Attempts).
		Int64("duration_ms", duration.Milliseconds()).
		Msg("Job failed")
	job.Status = models.JobStatusFailed
	job.Error = jobErr
	w.pool.publish(ctx, models.JobEventFailed, job)
}

// progressSink persists handler checkpoints and broadcasts them. A storage
// error is logged but does not fail the job; an expired run context does.
func (w *worker) progressSink(job *models.Job) interfaces.ProgressSink {
	return func(ctx context.Context, progress models.JobProgress) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.pool.store.UpdateProgress(ctx, job.Tenant, job.ID, progress); err != nil {
			w.pool.logger.Warn().
				Str("worker_id", w.id).
				Str("job_id", job.ID).
				Err(err).
				Msg("Failed to persist job progress")
			return nil
		}
		event := *job
		event.Progress = &progress
		w.pool.publish(ctx, models.JobEventProgress, &event)
		return nil
	}
}

// cancelSignal polls the job row's cancel flag. Read errors report
// not-cancelled so a flaky store cannot kill a healthy job.
func (w *worker) cancelSignal(job *models.Job) interfaces.CancelSignal {
	return func(ctx context.Context) bool {
		requested, err := w.pool.store.CancelRequested(ctx, job.Tenant, job.ID)
		if err != nil {
			w.pool.logger.Warn().
				Str("worker_id", w.id).
				Str("job_id", job.ID).
				Err(err).
				Msg("Failed to read job cancel flag")
			return false
		}
		return requested
	}
}

func (w *worker) atCapacity() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight >= w.maxConc
}

func (w *worker) beat() {
	w.mu.Lock()
	w.lastBeat = time.Now()
	w.mu.Unlock()
}

func (w *worker) begin(job *models.Job) {
	w.mu.Lock()
	w.inFlight++
	w.status = models.WorkerStatusBusy
	w.currentJobID = job.ID
	w.currentTenant = job.Tenant
	w.mu.Unlock()
}

func (w *worker) finish(job *models.Job, duration time.Duration, execErr error) {
	w.mu.Lock()
	w.inFlight--
	w.metrics.JobsProcessed++
	if execErr != nil && !models.IsErrKind(execErr, models.ErrKindCancelled) {
		w.metrics.JobsFailed++
	}
	w.metrics.TotalBusyMS += duration.Milliseconds()
	w.metrics.LastJobDurationMS = duration.Milliseconds()
	if w.currentJobID == job.ID {
		w.currentJobID = ""
		w.currentTenant = ""
	}
	if w.inFlight == 0 && w.status == models.WorkerStatusBusy {
		w.status = models.WorkerStatusIdle
	}
	w.mu.Unlock()
}

func (w *worker) setStopped() {
	w.mu.Lock()
	w.status = models.WorkerStatusStopped
	w.mu.Unlock()
}

func (w *worker) markUnhealthy() {
	w.mu.Lock()
	w.status = models.WorkerStatusUnhealthy
	w.mu.Unlock()
}

func (w *worker) snapshot() models.WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	types := make([]string, len(w.types))
	copy(types, w.types)
	return models.WorkerSnapshot{
		ID:            w.id,
		Types:         types,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		CurrentTenant: w.currentTenant,
		StartedAt:     w.startedAt,
		LastHeartbeat: w.lastBeat,
		RestartCount:  w.restarts,
		Metrics:       w.metrics,
	}
}

// sleepCtx pauses for d, returning false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
