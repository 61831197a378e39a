// Package surreal implements the job subsystem's record stores on SurrealDB.
// It is the alternate engine for deployments that already run SurrealDB;
// the embedded BadgerHold engine remains the default.
package surreal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// jobSelectFields lists the job fields to select, aliasing job_id to id and
// job_type to type for struct mapping.
const jobSelectFields = "job_id as id, tenant, user, job_type as type, status, priority, payload, " +
	"progress, error, result, attempts, max_retries, timeout_ms, created_at, queued_at, " +
	"started_at, last_attempt, last_progress, completed_at, failed_at, cancelled_at, " +
	"scheduled_for, worker_id, cancel_requested, metadata"

const jobSetFields = `job_id = $job_id, tenant = $tenant, user = $user, job_type = $job_type,
	status = $status, priority = $priority, payload = $payload, progress = $progress,
	error = $error, result = $result, attempts = $attempts, max_retries = $max_retries,
	timeout_ms = $timeout_ms, created_at = $created_at, queued_at = $queued_at,
	started_at = $started_at, last_attempt = $last_attempt, last_progress = $last_progress,
	completed_at = $completed_at, failed_at = $failed_at, cancelled_at = $cancelled_at,
	scheduled_for = $scheduled_for, worker_id = $worker_id,
	cancel_requested = $cancel_requested, metadata = $metadata`

// JobStore implements interfaces.JobStore using SurrealDB.
type JobStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewJobStore creates a SurrealDB-backed job store.
func NewJobStore(db *surrealdb.DB, logger *common.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

func jobVars(job *models.Job) map[string]any {
	return map[string]any{
		"rid":              surrealmodels.NewRecordID("job", job.ID),
		"job_id":           job.ID,
		"tenant":           job.Tenant,
		"user":             job.User,
		"job_type":         job.Type,
		"status":           job.Status,
		"priority":         job.Priority,
		"payload":          []byte(job.Payload),
		"progress":         job.Progress,
		"error":            job.Error,
		"result":           job.Result,
		"attempts":         job.Attempts,
		"max_retries":      job.MaxRetries,
		"timeout_ms":       job.TimeoutMS,
		"created_at":       job.CreatedAt,
		"queued_at":        job.QueuedAt,
		"started_at":       job.StartedAt,
		"last_attempt":     job.LastAttempt,
		"last_progress":    job.LastProgress,
		"completed_at":     job.CompletedAt,
		"failed_at":        job.FailedAt,
		"cancelled_at":     job.CancelledAt,
		"scheduled_for":    job.ScheduledFor,
		"worker_id":        job.WorkerID,
		"cancel_requested": job.CancelRequested,
		"metadata":         job.Metadata,
	}
}

func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return models.NewJobError(models.ErrKindValidation, "job id is required")
	}
	if job.Tenant == "" {
		return models.NewJobError(models.ErrKindValidation, "job tenant is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if existing, err := s.fetch(ctx, job.ID); err != nil {
		return err
	} else if existing != nil {
		return models.NewJobErrorf(models.ErrKindStorage, "job id '%s' already exists", job.ID)
	}

	sql := "UPSERT $rid SET " + jobSetFields
	if _, err := surrealdb.Query[any](ctx, s.db, sql, jobVars(job)); err != nil {
		return fmt.Errorf("failed to create job '%s': %w", job.ID, err)
	}

	s.touchTenant(ctx, job.Tenant, job.CreatedAt)
	return nil
}

// fetch returns a job by id without tenant scoping, or nil when absent.
func (s *JobStore) fetch(ctx context.Context, id string) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("job", id)}
	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job '%s': %w", id, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	job := (*results)[0].Result[0]
	return &job, nil
}

func (s *JobStore) Get(ctx context.Context, tenant, id string) (*models.Job, error) {
	job, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil || (tenant != "" && job.Tenant != tenant) {
		return nil, models.NewJobErrorf(models.ErrKindNotFound, "job '%s' not found", id)
	}
	return job, nil
}

func (s *JobStore) Update(ctx context.Context, job *models.Job) error {
	existing, err := s.Get(ctx, job.Tenant, job.ID)
	if err != nil {
		return err
	}
	job.CreatedAt = existing.CreatedAt

	sql := "UPSERT $rid SET " + jobSetFields
	if _, err := surrealdb.Query[any](ctx, s.db, sql, jobVars(job)); err != nil {
		return fmt.Errorf("failed to update job '%s': %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) Delete(ctx context.Context, tenant, id string) error {
	if _, err := s.Get(ctx, tenant, id); err != nil {
		return err
	}
	vars := map[string]any{"rid": surrealmodels.NewRecordID("job", id)}
	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE $rid", vars); err != nil {
		return fmt.Errorf("failed to delete job '%s': %w", id, err)
	}
	return nil
}

func (s *JobStore) List(ctx context.Context, tenant string, filter models.JobFilter) ([]*models.Job, int, error) {
	sql := "SELECT " + jobSelectFields + " FROM job"
	vars := map[string]any{}
	if tenant != "" {
		sql += " WHERE tenant = $tenant"
		vars["tenant"] = tenant
	}
	rows, err := s.queryJobs(ctx, sql, vars)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]*models.Job, 0, len(rows))
	for _, job := range rows {
		if filter.Matches(job) {
			matched = append(matched, job)
		}
	}
	models.SortJobs(matched, filter.SortBy, filter.SortDesc)
	total := len(matched)

	if filter.Offset > 0 {
		if filter.Offset >= total {
			return []*models.Job{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// Claim atomically takes the next claimable job. Two-step: select candidates
// in claim order, then CAS each one until an update applies. The WHERE guard
// on the update keeps concurrent processes from double-claiming.
func (s *JobStore) Claim(ctx context.Context, workerID string, types []string) (*models.Job, error) {
	now := time.Now()
	sql := "SELECT " + jobSelectFields + " FROM job WHERE status IN $claimable"
	vars := map[string]any{
		"claimable": []string{models.JobStatusQueued, models.JobStatusRetry, models.JobStatusPending},
	}
	rows, err := s.queryJobs(ctx, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
	}

	candidates := make([]*models.Job, 0, len(rows))
	for _, job := range rows {
		if !job.IsClaimable(now) {
			continue
		}
		if len(types) > 0 && !typeListed(types, job.Type) {
			continue
		}
		candidates = append(candidates, job)
	}
	models.SortForClaim(candidates)

	for _, candidate := range candidates {
		updateSQL := `UPDATE $rid SET status = $running, worker_id = $worker, attempts += 1,
			started_at = $now, last_attempt = $now, last_progress = $now
			WHERE status = $prev RETURN VALUE job_id`
		updateVars := map[string]any{
			"rid":     surrealmodels.NewRecordID("job", candidate.ID),
			"running": models.JobStatusRunning,
			"worker":  workerID,
			"now":     now,
			"prev":    candidate.Status,
		}
		results, err := surrealdb.Query[[]string](ctx, s.db, updateSQL, updateVars)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job '%s': %w", candidate.ID, err)
		}
		if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
			continue // lost the race, try the next candidate
		}

		candidate.Status = models.JobStatusRunning
		candidate.WorkerID = workerID
		candidate.Attempts++
		candidate.StartedAt = now
		candidate.LastAttempt = now
		candidate.LastProgress = now
		s.logger.Debug().Str("job_id", candidate.ID).Str("worker_id", workerID).Int("attempt", candidate.Attempts).Msg("Job claimed")
		return candidate, nil
	}
	return nil, nil
}

func typeListed(types []string, t string) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func (s *JobStore) UpdateProgress(ctx context.Context, tenant, id string, progress models.JobProgress) error {
	sql := `UPDATE $rid SET progress = $progress, last_progress = $now
		WHERE status = $running AND ($tenant = "" OR tenant = $tenant)`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("job", id),
		"progress": &progress,
		"now":      time.Now(),
		"running":  models.JobStatusRunning,
		"tenant":   tenant,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to update progress for job '%s': %w", id, err)
	}
	return nil
}

func (s *JobStore) Heartbeat(ctx context.Context, tenant, id string) error {
	sql := `UPDATE $rid SET last_progress = $now
		WHERE status = $running AND ($tenant = "" OR tenant = $tenant)`
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("job", id),
		"now":     time.Now(),
		"running": models.JobStatusRunning,
		"tenant":  tenant,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to heartbeat job '%s': %w", id, err)
	}
	return nil
}

// transition applies a guarded status change; a zero-row update returns
// PRECONDITION.
func (s *JobStore) transition(ctx context.Context, tenant, id, setClause string, from []string, vars map[string]any) error {
	sql := "UPDATE $rid SET " + setClause +
		` WHERE status IN $from AND ($tenant = "" OR tenant = $tenant) RETURN VALUE job_id`
	vars["rid"] = surrealmodels.NewRecordID("job", id)
	vars["from"] = from
	vars["tenant"] = tenant

	results, err := surrealdb.Query[[]string](ctx, s.db, sql, vars)
	if err != nil {
		return fmt.Errorf("failed to transition job '%s': %w", id, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return models.NewJobErrorf(models.ErrKindPrecondition, "job '%s' is not in a state that allows this transition", id)
	}
	return nil
}

func (s *JobStore) MarkCompleted(ctx context.Context, tenant, id string, result *models.JobResult) error {
	return s.transition(ctx, tenant, id,
		"status = $completed, completed_at = $now, result = $result, error = NONE, cancel_requested = false",
		[]string{models.JobStatusRunning},
		map[string]any{"completed": models.JobStatusCompleted, "now": time.Now(), "result": result})
}

func (s *JobStore) MarkFailed(ctx context.Context, tenant, id string, jobErr *models.JobError) error {
	return s.transition(ctx, tenant, id,
		"status = $failed, failed_at = $now, error = $error, cancel_requested = false",
		[]string{models.JobStatusRunning, models.JobStatusStalled},
		map[string]any{"failed": models.JobStatusFailed, "now": time.Now(), "error": jobErr})
}

func (s *JobStore) MarkRetry(ctx context.Context, tenant, id string, jobErr *models.JobError, delay time.Duration) error {
	now := time.Now()
	return s.transition(ctx, tenant, id,
		"status = $retry, error = $error, scheduled_for = $due, worker_id = '', cancel_requested = false",
		[]string{models.JobStatusRunning, models.JobStatusStalled},
		map[string]any{"retry": models.JobStatusRetry, "error": jobErr, "due": now.Add(delay)})
}

func (s *JobStore) MarkCancelled(ctx context.Context, tenant, id string) error {
	return s.transition(ctx, tenant, id,
		"status = $cancelled, cancelled_at = $now, cancel_requested = false, worker_id = ''",
		[]string{
			models.JobStatusPending, models.JobStatusQueued,
			models.JobStatusRetry, models.JobStatusRunning, models.JobStatusStalled,
		},
		map[string]any{"cancelled": models.JobStatusCancelled, "now": time.Now()})
}

func (s *JobStore) RequestCancel(ctx context.Context, tenant, id string) error {
	err := s.transition(ctx, tenant, id,
		"cancel_requested = true",
		[]string{models.JobStatusRunning},
		map[string]any{})
	var jerr *models.JobError
	if errors.As(err, &jerr) && jerr.Kind == models.ErrKindPrecondition {
		return models.NewJobErrorf(models.ErrKindPrecondition, "job '%s' is not running", id)
	}
	return err
}

func (s *JobStore) CancelRequested(ctx context.Context, tenant, id string) (bool, error) {
	job, err := s.Get(ctx, tenant, id)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

func (s *JobStore) Stats(ctx context.Context, tenant string, since time.Time) (*models.JobStats, error) {
	sql := "SELECT " + jobSelectFields + " FROM job"
	vars := map[string]any{}
	if tenant != "" {
		sql += " WHERE tenant = $tenant"
		vars["tenant"] = tenant
	}
	rows, err := s.queryJobs(ctx, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to collect job stats: %w", err)
	}

	stats := &models.JobStats{
		Tenant:     tenant,
		ByStatus:   make(map[string]int),
		ByType:     make(map[string]int),
		ByPriority: make(map[string]int),
		WindowFrom: since,
		Collected:  time.Now(),
	}

	var waitSum, waitN, runSum, runN int64
	for _, job := range rows {
		if !since.IsZero() && job.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByStatus[job.Status]++
		stats.ByType[job.Type]++
		stats.ByPriority[job.Priority]++

		if !job.StartedAt.IsZero() {
			waitSum += job.StartedAt.Sub(job.CreatedAt).Milliseconds()
			waitN++
		}
		if end := terminalTime(job); !end.IsZero() && !job.StartedAt.IsZero() {
			runSum += end.Sub(job.StartedAt).Milliseconds()
			runN++
		}
	}
	if waitN > 0 {
		stats.AvgWaitMS = waitSum / waitN
	}
	if runN > 0 {
		stats.AvgRunMS = runSum / runN
	}
	return stats, nil
}

func terminalTime(job *models.Job) time.Time {
	switch job.Status {
	case models.JobStatusCompleted:
		return job.CompletedAt
	case models.JobStatusFailed:
		return job.FailedAt
	case models.JobStatusCancelled:
		return job.CancelledAt
	}
	return time.Time{}
}

func (s *JobStore) CountActive(ctx context.Context, tenant string) (int, int, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE status IN $active"
	vars := map[string]any{
		"active": []string{
			models.JobStatusQueued, models.JobStatusRetry,
			models.JobStatusPending, models.JobStatusRunning,
		},
	}
	rows, err := s.queryJobs(ctx, sql, vars)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count active jobs: %w", err)
	}

	queued, running := 0, 0
	for _, job := range rows {
		if tenant != "" && job.Tenant != tenant {
			continue
		}
		if job.Status == models.JobStatusRunning {
			running++
		} else {
			queued++
		}
	}
	return queued, running, nil
}

func (s *JobStore) MarkStalled(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE status = $running"
	rows, err := s.queryJobs(ctx, sql, map[string]any{"running": models.JobStatusRunning})
	if err != nil {
		return nil, fmt.Errorf("failed to find running jobs: %w", err)
	}

	var stalled []*models.Job
	for _, job := range rows {
		liveness := job.StartedAt
		if job.LastProgress.After(liveness) {
			liveness = job.LastProgress
		}
		if !liveness.Before(cutoff) {
			continue
		}

		age := time.Since(liveness).Round(time.Second)
		stallErr := models.NewJobErrorf(models.ErrKindStalled, "no progress for %s", age).
			WithDetail("worker_id", job.WorkerID)

		updateSQL := `UPDATE $rid SET status = $stalled, error = $error, worker_id = ''
			WHERE status = $running RETURN VALUE job_id`
		updateVars := map[string]any{
			"rid":     surrealmodels.NewRecordID("job", job.ID),
			"stalled": models.JobStatusStalled,
			"error":   stallErr,
			"running": models.JobStatusRunning,
		}
		results, err := surrealdb.Query[[]string](ctx, s.db, updateSQL, updateVars)
		if err != nil {
			return stalled, fmt.Errorf("failed to mark job '%s' stalled: %w", job.ID, err)
		}
		if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
			job.Status = models.JobStatusStalled
			job.Error = stallErr
			job.WorkerID = ""
			stalled = append(stalled, job)
		}
	}
	return stalled, nil
}

func (s *JobStore) ListStalled(ctx context.Context) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE status = $stalled"
	return s.queryJobs(ctx, sql, map[string]any{"stalled": models.JobStatusStalled})
}

func (s *JobStore) DeleteTerminalBefore(ctx context.Context, status string, cutoff time.Time) (int, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE status = $status"
	rows, err := s.queryJobs(ctx, sql, map[string]any{"status": status})
	if err != nil {
		return 0, fmt.Errorf("failed to find %s jobs: %w", status, err)
	}

	deleted := 0
	for _, job := range rows {
		end := terminalTime(job)
		if end.IsZero() || !end.Before(cutoff) {
			continue
		}
		vars := map[string]any{"rid": surrealmodels.NewRecordID("job", job.ID)}
		if _, err := surrealdb.Query[any](ctx, s.db, "DELETE $rid", vars); err != nil {
			return deleted, fmt.Errorf("failed to delete job '%s': %w", job.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// RequeueOrphans returns running jobs to the queue. Called on startup to
// recover jobs that were in-flight when the process crashed.
func (s *JobStore) RequeueOrphans(ctx context.Context) (int, error) {
	sql := `UPDATE job SET status = $queued, worker_id = '', started_at = NONE
		WHERE status = $running RETURN VALUE job_id`
	vars := map[string]any{
		"queued":  models.JobStatusQueued,
		"running": models.JobStatusRunning,
	}
	results, err := surrealdb.Query[[]string](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	count := 0
	if results != nil && len(*results) > 0 {
		count = len((*results)[0].Result)
	}
	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Orphaned running jobs requeued")
	}
	return count, nil
}

// touchTenant records tenant activity; failures are logged, not returned.
func (s *JobStore) touchTenant(ctx context.Context, tenant string, seen time.Time) {
	sql := `UPSERT $rid SET tenant_id = $id, first_seen = first_seen ?? $seen, last_seen = $seen`
	vars := map[string]any{
		"rid":  surrealmodels.NewRecordID("tenant", tenant),
		"id":   tenant,
		"seen": seen,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		s.logger.Warn().Err(err).Str("tenant", tenant).Msg("Failed to record tenant activity")
	}
}

func (s *JobStore) Tenants(ctx context.Context) ([]string, error) {
	sql := "SELECT tenant_id as id, first_seen, last_seen FROM tenant ORDER BY tenant_id ASC"
	results, err := surrealdb.Query[[]models.Tenant](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	var ids []string
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			ids = append(ids, row.ID)
		}
	}
	return ids, nil
}

// queryJobs runs a query and returns a slice of Job pointers.
func (s *JobStore) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, &(*results)[0].Result[i])
		}
	}
	return jobs, nil
}

// Close is a no-op; the shared connection is owned by the manager.
func (s *JobStore) Close() error {
	return nil
}

// Compile-time check
var _ interfaces.JobStore = (*JobStore)(nil)
