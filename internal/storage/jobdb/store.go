// Package jobdb implements the persistent job table using BadgerHold.
// It owns every job state transition: claim, progress, completion, failure,
// retry scheduling, cancellation, and the stall and cleanup sweeps.
package jobdb

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// Store implements interfaces.JobStore using BadgerHold.
type Store struct {
	db     *badgerhold.Store
	logger *common.Logger

	// claimMu serializes claim sweeps. Badger is embedded and single-process,
	// so an in-process mutex is enough to keep two workers from racing over
	// the same candidate list; the status CAS still guards against the
	// cancel and completion paths.
	claimMu sync.Mutex
}

// NewStore opens (or creates) a job table at the given path.
func NewStore(logger *common.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job db path %s: %w", path, err)
	}
	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil
	db, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open job db at %s: %w", path, err)
	}
	logger.Info().Str("path", path).Msg("JobDB opened")
	return &Store{db: db, logger: logger}, nil
}

// --- Create / read / update ---

func (s *Store) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return models.NewJobError(models.ErrKindValidation, "job id is required")
	}
	if job.Tenant == "" {
		return models.NewJobError(models.ErrKindValidation, "job tenant is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if err := s.db.Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return models.NewJobErrorf(models.ErrKindStorage, "job id '%s' already exists", job.ID)
		}
		return fmt.Errorf("failed to create job '%s': %w", job.ID, err)
	}

	s.touchTenant(job.Tenant, job.CreatedAt)
	s.logger.Debug().Str("job_id", job.ID).Str("tenant", job.Tenant).Str("type", job.Type).Msg("Job created")
	return nil
}

// Get returns one job. An empty tenant skips the ownership check; it is used
// by the pool and sweeps, never by request paths.
func (s *Store) Get(_ context.Context, tenant, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewJobErrorf(models.ErrKindNotFound, "job '%s' not found", id)
		}
		return nil, fmt.Errorf("failed to get job '%s': %w", id, err)
	}
	if tenant != "" && job.Tenant != tenant {
		return nil, models.NewJobErrorf(models.ErrKindNotFound, "job '%s' not found", id)
	}
	return &job, nil
}

func (s *Store) Update(ctx context.Context, job *models.Job) error {
	existing, err := s.Get(ctx, job.Tenant, job.ID)
	if err != nil {
		return err
	}
	job.CreatedAt = existing.CreatedAt

	if err := s.db.Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to update job '%s': %w", job.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, tenant, id string) error {
	if _, err := s.Get(ctx, tenant, id); err != nil {
		return err
	}
	if err := s.db.Delete(id, models.Job{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job '%s': %w", id, err)
	}
	return nil
}

// --- Listing ---

func (s *Store) List(_ context.Context, tenant string, filter models.JobFilter) ([]*models.Job, int, error) {
	var rows []models.Job
	var query *badgerhold.Query
	if tenant != "" {
		query = badgerhold.Where("Tenant").Eq(tenant).Index("Tenant")
	}
	if err := s.db.Find(&rows, query); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	matched := make([]*models.Job, 0, len(rows))
	for i := range rows {
		if filter.Matches(&rows[i]) {
			matched = append(matched, &rows[i])
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

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- Claim ---

// Claim atomically takes the next claimable job: highest priority first,
// oldest first within a priority. A claimable scheduled pending job is
// promoted in the same transition. Returns (nil, nil) when nothing matches.
func (s *Store) Claim(_ context.Context, workerID string, types []string) (*models.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	now := time.Now()
	var rows []models.Job
	query := badgerhold.Where("Status").In(models.JobStatusQueued, models.JobStatusRetry, models.JobStatusPending)
	if err := s.db.Find(&rows, query); err != nil {
		return nil, fmt.Errorf("failed to find claim candidates: %w", err)
	}

	candidates := make([]*models.Job, 0, len(rows))
	for i := range rows {
		if !rows[i].IsClaimable(now) {
			continue
		}
		if len(types) > 0 && !containsString(types, rows[i].Type) {
			continue
		}
		candidates = append(candidates, &rows[i])
	}
	models.SortForClaim(candidates)

	for _, candidate := range candidates {
		claimed, err := s.tryClaim(candidate, workerID, now)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

// tryClaim performs the status CAS for one candidate. Returns nil when the
// candidate was taken or finalized between the scan and the update.
func (s *Store) tryClaim(candidate *models.Job, workerID string, now time.Time) (*models.Job, error) {
	var claimed *models.Job
	query := badgerhold.Where(badgerhold.Key).Eq(candidate.ID).And("Status").Eq(candidate.Status)
	err := s.db.UpdateMatching(&models.Job{}, query, func(record interface{}) error {
		job, ok := record.(*models.Job)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		job.Status = models.JobStatusRunning
		job.WorkerID = workerID
		job.Attempts++
		job.StartedAt = now
		job.LastAttempt = now
		job.LastProgress = now
		claimed = job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job '%s': %w", candidate.ID, err)
	}
	if claimed == nil {
		return nil, nil
	}
	s.logger.Debug().Str("job_id", claimed.ID).Str("worker_id", workerID).Int("attempt", claimed.Attempts).Msg("Job claimed")
	return claimed, nil
}

// --- Progress and liveness ---

func (s *Store) UpdateProgress(_ context.Context, tenant, id string, progress models.JobProgress) error {
	now := time.Now()
	updated := false
	query := badgerhold.Where(badgerhold.Key).Eq(id).And("Status").Eq(models.JobStatusRunning)
	err := s.db.UpdateMatching(&models.Job{}, query, func(record interface{}) error {
		job, ok := record.(*models.Job)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		if tenant != "" && job.Tenant != tenant {
			return nil
		}
		p := progress
		job.Progress = &p
		job.LastProgress = now
		updated = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update progress for job '%s': %w", id, err)
	}
	if !updated {
		// Progress after finalization or cancellation is dropped.
		s.logger.Debug().Str("job_id", id).Msg("Progress update dropped, job not running")
	}
	return nil
}

func (s *Store) Heartbeat(_ context.Context, tenant, id string) error {
	now := time.Now()
	query := badgerhold.Where(badgerhold.Key).Eq(id).And("Status").Eq(models.JobStatusRunning)
	err := s.db.UpdateMatching(&models.Job{}, query, func(record interface{}) error {
		job, ok := record.(*models.Job)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		if tenant != "" && job.Tenant != tenant {
			return nil
		}
		job.LastProgress = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to heartbeat job '%s': %w", id, err)
	}
	return nil
}

// --- Finalization ---

func (s *Store) MarkCompleted(_ context.Context, tenant, id string, result *models.JobResult) error {
	return s.finalize(tenant, id, []string{models.JobStatusRunning}, func(job *models.Job, now time.Time) {
		job.Status = models.JobStatusCompleted
		job.CompletedAt = now
		job.Result = result
		job.Error = nil
		job.CancelRequested = false
	})
}

func (s *Store) MarkFailed(_ context.Context, tenant, id string, jobErr *models.JobError) error {
	return s.finalize(tenant, id, []string{models.JobStatusRunning, models.JobStatusStalled}, func(job *models.Job, now time.Time) {
		job.Status = models.JobStatusFailed
		job.FailedAt = now
		job.Error = jobErr
		job.CancelRequested = false
	})
}

func (s *Store) MarkRetry(_ context.Context, tenant, id string, jobErr *models.JobError, delay time.Duration) error {
	return s.finalize(tenant, id, []string{models.JobStatusRunning, models.JobStatusStalled}, func(job *models.Job, now time.Time) {
		job.Status = models.JobStatusRetry
		job.Error = jobErr
		job.ScheduledFor = now.Add(delay)
		job.WorkerID = ""
		job.CancelRequested = false
	})
}

func (s *Store) MarkCancelled(_ context.Context, tenant, id string) error {
	waiting := []string{
		models.JobStatusPending, models.JobStatusQueued,
		models.JobStatusRetry, models.JobStatusRunning, models.JobStatusStalled,
	}
	return s.finalize(tenant, id, waiting, func(job *models.Job, now time.Time) {
		job.Status = models.JobStatusCancelled
		job.CancelledAt = now
		job.CancelRequested = false
		job.WorkerID = ""
	})
}

// finalize applies a terminal (or retry) transition guarded by the allowed
// source statuses. A missed CAS returns PRECONDITION so callers can log it.
func (s *Store) finalize(tenant, id string, from []string, apply func(job *models.Job, now time.Time)) error {
	now := time.Now()
	fromArgs := make([]interface{}, len(from))
	for i, st := range from {
		fromArgs[i] = st
	}

	updated := false
	query := badgerhold.Where(badgerhold.Key).Eq(id).And("Status").In(fromArgs...)
	err := s.db.UpdateMatching(&models.Job{}, query, func(record interface{}) error {
		job, ok := record.(*models.Job)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		if tenant != "" && job.Tenant != tenant {
			return nil
		}
		apply(job, now)
		updated = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to transition job '%s': %w", id, err)
	}
	if !updated {
		return models.NewJobErrorf(models.ErrKindPrecondition, "job '%s' is not in a state that allows this transition", id)
	}
	return nil
}

// --- Cancellation flag ---

func (s *Store) RequestCancel(ctx context.Context, tenant, id string) error {
	updated := false
	query := badgerhold.Where(badgerhold.Key).Eq(id).And("Status").Eq(models.JobStatusRunning)
	err := s.db.UpdateMatching(&models.Job{}, query, func(record interface{}) error {
		job, ok := record.(*models.Job)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		if tenant != "" && job.Tenant != tenant {
			return nil
		}
		job.CancelRequested = true
		updated = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to flag cancel for job '%s': %w", id, err)
	}
	if !updated {
		return models.NewJobErrorf(models.ErrKindPrecondition, "job '%s' is not running", id)
	}
	return nil
}

func (s *Store) CancelRequested(ctx context.Context, tenant, id string) (bool, error) {
	job, err := s.Get(ctx, tenant, id)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// --- Stats and counts ---

func (s *Store) Stats(_ context.Context, tenant string, since time.Time) (*models.JobStats, error) {
	var rows []models.Job
	var query *badgerhold.Query
	if tenant != "" {
		query = badgerhold.Where("Tenant").Eq(tenant).Index("Tenant")
	}
	if err := s.db.Find(&rows, query); err != nil {
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
	for i := range rows {
		job := &rows[i]
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

func (s *Store) CountActive(_ context.Context, tenant string) (int, int, error) {
	var rows []models.Job
	query := badgerhold.Where("Status").In(
		models.JobStatusQueued, models.JobStatusRetry,
		models.JobStatusPending, models.JobStatusRunning,
	)
	if err := s.db.Find(&rows, query); err != nil {
		return 0, 0, fmt.Errorf("failed to count active jobs: %w", err)
	}

	queued, running := 0, 0
	for i := range rows {
		if tenant != "" && rows[i].Tenant != tenant {
			continue
		}
		switch rows[i].Status {
		case models.JobStatusRunning:
			running++
		default:
			queued++
		}
	}
	return queued, running, nil
}

// --- Sweeps ---

// MarkStalled transitions running jobs whose last liveness signal predates
// cutoff. Returns the jobs that were transitioned.
func (s *Store) MarkStalled(_ context.Context, cutoff time.Time) ([]*models.Job, error) {
	var rows []models.Job
	if err := s.db.Find(&rows, badgerhold.Where("Status").Eq(models.JobStatusRunning)); err != nil {
		return nil, fmt.Errorf("failed to find running jobs: %w", err)
	}

	var stalled []*models.Job
	for i := range rows {
		job := &rows[i]
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

		updated := false
		query := badgerhold.Where(badgerhold.Key).Eq(job.ID).And("Status").Eq(models.JobStatusRunning)
		err := s.db.UpdateMatching(&models.Job{}, query, func(record interface{}) error {
			j, ok := record.(*models.Job)
			if !ok {
				return fmt.Errorf("unexpected record type %T", record)
			}
			j.Status = models.JobStatusStalled
			j.Error = stallErr
			j.WorkerID = ""
			*job = *j
			updated = true
			return nil
		})
		if err != nil {
			return stalled, fmt.Errorf("failed to mark job '%s' stalled: %w", job.ID, err)
		}
		if updated {
			stalled = append(stalled, job)
		}
	}
	return stalled, nil
}

func (s *Store) ListStalled(_ context.Context) ([]*models.Job, error) {
	var rows []models.Job
	if err := s.db.Find(&rows, badgerhold.Where("Status").Eq(models.JobStatusStalled)); err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	jobs := make([]*models.Job, len(rows))
	for i := range rows {
		jobs[i] = &rows[i]
	}
	return jobs, nil
}

// DeleteTerminalBefore removes terminal jobs whose finalization is older
// than cutoff.
func (s *Store) DeleteTerminalBefore(_ context.Context, status string, cutoff time.Time) (int, error) {
	var rows []models.Job
	if err := s.db.Find(&rows, badgerhold.Where("Status").Eq(status)); err != nil {
		return 0, fmt.Errorf("failed to find %s jobs: %w", status, err)
	}

	deleted := 0
	for i := range rows {
		end := terminalTime(&rows[i])
		if end.IsZero() || !end.Before(cutoff) {
			continue
		}
		if err := s.db.Delete(rows[i].ID, models.Job{}); err != nil && err != badgerhold.ErrNotFound {
			return deleted, fmt.Errorf("failed to delete job '%s': %w", rows[i].ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// RequeueOrphans returns running jobs to the queue, preserving attempts and
// progress. Called once at startup before workers begin claiming.
func (s *Store) RequeueOrphans(_ context.Context) (int, error) {
	count := 0
	query := badgerhold.Where("Status").Eq(models.JobStatusRunning)
	err := s.db.UpdateMatching(&models.Job{}, query, func(record interface{}) error {
		job, ok := record.(*models.Job)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		job.Status = models.JobStatusQueued
		job.WorkerID = ""
		job.StartedAt = time.Time{}
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Orphaned running jobs requeued")
	}
	return count, nil
}

// --- Tenant directory ---

// touchTenant records tenant activity. Failures are logged, not returned;
// the directory is advisory.
func (s *Store) touchTenant(tenant string, seen time.Time) {
	var row models.Tenant
	if err := s.db.Get(tenant, &row); err == nil {
		row.LastSeen = seen
	} else {
		row = models.Tenant{ID: tenant, FirstSeen: seen, LastSeen: seen}
	}
	if err := s.db.Upsert(tenant, &row); err != nil {
		s.logger.Warn().Err(err).Str("tenant", tenant).Msg("Failed to record tenant activity")
	}
}

func (s *Store) Tenants(_ context.Context) ([]string, error) {
	var rows []models.Tenant
	if err := s.db.Find(&rows, nil); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	sort.Strings(ids)
	return ids, nil
}

// Close shuts down the BadgerHold database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check
var _ interfaces.JobStore = (*Store)(nil)
