// Package monitor assesses system health on an interval: it scores workers,
// queue, and processing from store stats and a pool snapshot, raises alerts
// on threshold crossings, keeps a 24h trend history, and auto-retries
// freshly failed jobs of configured types within a per-job budget.
package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

const (
	// statsWindow is how far back job stats reach for scoring.
	statsWindow = 24 * time.Hour

	// workerStaleAfter matches the pool's heartbeat staleness window.
	workerStaleAfter = 60 * time.Second

	// historyWindow is how much trend history the sample ring holds.
	historyWindow = 24 * time.Hour

	// autoRetryWindow bounds the per-job auto-retry budget.
	autoRetryWindow = time.Hour
)

// SnapshotSource provides a read-only view of the worker pool. The monitor
// never drives the pool, it only reads its state.
type SnapshotSource interface {
	Snapshot() models.PoolSnapshot
}

// Service is the health monitor.
type Service struct {
	store  interfaces.JobStore
	queue  interfaces.Queue
	pool   SnapshotSource
	bus    interfaces.EventBus
	logger *common.Logger

	interval       time.Duration
	errorRatePct   int
	queueThreshold int
	slowWait       time.Duration
	maxAlerts      int
	historyCap     int
	autoRetry      common.AutoRetryConfig

	mu             sync.Mutex
	latest         *models.HealthReport
	alerts         []models.Alert
	history        []models.HealthSample
	workerState    map[string]string
	alertedStalled map[string]bool
	queueBreached  bool
	errorBreached  bool
	waitBreached   bool
	retries        map[string][]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the monitor from configuration.
func NewService(store interfaces.JobStore, queue interfaces.Queue, pool SnapshotSource, bus interfaces.EventBus, logger *common.Logger, config *common.Config) *Service {
	interval := config.Monitor.GetHealthInterval()
	historyCap := int(historyWindow / interval)
	if historyCap < 16 {
		historyCap = 16
	}
	maxAlerts := config.Monitor.MaxAlertsHistory
	if maxAlerts <= 0 {
		maxAlerts = 1000
	}
	return &Service{
		store:          store,
		queue:          queue,
		pool:           pool,
		bus:            bus,
		logger:         logger,
		interval:       interval,
		errorRatePct:   config.Monitor.ErrorRatePct,
		queueThreshold: config.Monitor.QueueSizeThreshold,
		slowWait:       config.Monitor.GetSlowJob(),
		maxAlerts:      maxAlerts,
		historyCap:     historyCap,
		autoRetry:      config.Monitor.AutoRetry,
		workerState:    make(map[string]string),
		alertedStalled: make(map[string]bool),
		retries:        make(map[string][]time.Time),
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (s *Service) safeGo(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in monitor goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the health loop and the auto-retry watcher. Safe to call
// again; a running monitor is stopped first.
func (s *Service) Start(_ context.Context) error {
	if s.cancel != nil {
		s.Stop()
	}
	root, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.safeGo("health", func() { s.healthLoop(root) })
	if s.autoRetry.Enabled && s.bus != nil {
		s.safeGo("auto-retry", func() { s.retryLoop(root) })
	}

	s.logger.Info().
		Dur("interval", s.interval).
		Bool("auto_retry", s.autoRetry.Enabled).
		Msg("Monitor started")
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
	s.logger.Info().Msg("Monitor stopped")
}

func (s *Service) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.refresh(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Health assessment failed")
			}
		}
	}
}

// Health returns the latest assessment, computing one on demand when none
// has been collected yet.
func (s *Service) Health(ctx context.Context) (*models.HealthReport, error) {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()
	if latest != nil {
		return latest, nil
	}
	return s.refresh(ctx)
}

// refresh collects a report, evaluates alert rules, and records the sample.
func (s *Service) refresh(ctx context.Context) (*models.HealthReport, error) {
	now := time.Now()
	stats, err := s.store.Stats(ctx, "", now.Add(-statsWindow))
	if err != nil {
		return nil, err
	}
	stalledJobs, err := s.store.ListStalled(ctx)
	if err != nil {
		return nil, err
	}
	snap := s.pool.Snapshot()

	queued := stats.ByStatus[models.JobStatusQueued] + stats.ByStatus[models.JobStatusRetry]
	running := stats.ByStatus[models.JobStatusRunning]

	workers := scoreWorkers(&snap, now)
	queue := s.scoreQueue(stats, queued, running)
	processing := s.scoreProcessing(stats, queued)

	overall := (workers.Score + queue.Score + processing.Score) / 3
	status := models.HealthStatusDegraded
	if overall >= models.HealthyScoreFloor {
		status = models.HealthStatusHealthy
	}

	report := &models.HealthReport{
		Status:      status,
		Overall:     overall,
		Workers:     workers,
		Queue:       queue,
		Processing:  processing,
		ActiveJobs:  running,
		QueuedJobs:  queued,
		StalledJobs: len(stalledJobs),
		CollectedAt: now,
	}

	s.evaluate(report, &snap, stalledJobs, stats)

	s.mu.Lock()
	s.latest = report
	s.history = append(s.history, report.Sample())
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
	s.pruneRetries(now)
	s.mu.Unlock()

	return report, nil
}

// scoreWorkers rates the pool: the healthy share of workers, with penalties
// for stopped and unhealthy ones. A pool that is not running scores zero.
func scoreWorkers(snap *models.PoolSnapshot, now time.Time) models.HealthScore {
	total := len(snap.Workers)
	details := map[string]interface{}{
		"total":        total,
		"pool_running": snap.Running,
	}
	if !snap.Running || total == 0 {
		details["healthy"] = 0
		return models.HealthScore{Score: 0, Details: details}
	}

	healthy := snap.HealthyCount(now, workerStaleAfter)
	stopped, unhealthy := 0, 0
	for i := range snap.Workers {
		switch snap.Workers[i].Status {
		case models.WorkerStatusStopped:
			stopped++
		case models.WorkerStatusUnhealthy:
			unhealthy++
		}
	}

	score := healthy * 100 / total
	score -= 20*stopped + 30*unhealthy
	if score < 0 {
		score = 0
	}
	details["healthy"] = healthy
	details["stopped"] = stopped
	details["unhealthy"] = unhealthy
	return models.HealthScore{Score: score, Details: details}
}

// scoreQueue rates the waiting line: depth over threshold, slow average
// wait, and the pathological queued-but-nothing-running state.
func (s *Service) scoreQueue(stats *models.JobStats, queued, running int) models.HealthScore {
	score := 100
	if queued > s.queueThreshold {
		score -= 30
	}
	if stats.AvgWaitMS > s.slowWait.Milliseconds() {
		score -= 20
	}
	if queued > 0 && running == 0 {
		score -= 40
	}
	if score < 0 {
		score = 0
	}
	return models.HealthScore{
		Score: score,
		Details: map[string]interface{}{
			"queued":      queued,
			"running":     running,
			"avg_wait_ms": stats.AvgWaitMS,
		},
	}
}

// scoreProcessing rates throughput: the failure share of finished jobs and
// whether anything completes at all while work is waiting.
func (s *Service) scoreProcessing(stats *models.JobStats, queued int) models.HealthScore {
	completed := stats.ByStatus[models.JobStatusCompleted]
	failed := stats.ByStatus[models.JobStatusFailed]

	ratePct := 0
	if completed+failed > 0 {
		ratePct = failed * 100 / (completed + failed)
	}

	score := 100
	if ratePct > s.errorRatePct {
		score -= 40
	}
	if completed == 0 && queued > 0 {
		score -= 30
	}
	if score < 0 {
		score = 0
	}
	return models.HealthScore{
		Score: score,
		Details: map[string]interface{}{
			"completed":      completed,
			"failed":         failed,
			"error_rate_pct": ratePct,
		},
	}
}

// evaluate raises alerts on rule transitions, not on every tick, so a
// persistent breach produces one alert when it starts.
func (s *Service) evaluate(report *models.HealthReport, snap *models.PoolSnapshot, stalledJobs []*models.Job, stats *models.JobStats) {
	s.mu.Lock()

	var raised []models.Alert
	for i := range snap.Workers {
		w := &snap.Workers[i]
		prev, seen := s.workerState[w.ID]
		s.workerState[w.ID] = w.Status
		if !seen || prev == w.Status {
			continue
		}
		switch w.Status {
		case models.WorkerStatusStopped:
			raised = append(raised, models.Alert{
				Severity: models.AlertSeverityWarning,
				Category: models.AlertCategoryWorker,
				Message:  fmt.Sprintf("worker '%s' stopped", w.ID),
				WorkerID: w.ID,
			})
		case models.WorkerStatusUnhealthy:
			raised = append(raised, models.Alert{
				Severity: models.AlertSeverityCritical,
				Category: models.AlertCategoryWorker,
				Message:  fmt.Sprintf("worker '%s' is unhealthy after %d restarts", w.ID, w.RestartCount),
				WorkerID: w.ID,
			})
		}
	}

	depthBreach := report.QueuedJobs > s.queueThreshold
	if depthBreach && !s.queueBreached {
		raised = append(raised, models.Alert{
			Severity: models.AlertSeverityWarning,
			Category: models.AlertCategoryQueueDepth,
			Message:  fmt.Sprintf("queue depth %d exceeds threshold %d", report.QueuedJobs, s.queueThreshold),
			Details:  map[string]interface{}{"queued": report.QueuedJobs},
		})
	}
	s.queueBreached = depthBreach

	completed := stats.ByStatus[models.JobStatusCompleted]
	failed := stats.ByStatus[models.JobStatusFailed]
	ratePct := 0
	if completed+failed > 0 {
		ratePct = failed * 100 / (completed + failed)
	}
	rateBreach := ratePct > s.errorRatePct
	if rateBreach && !s.errorBreached {
		raised = append(raised, models.Alert{
			Severity: models.AlertSeverityError,
			Category: models.AlertCategoryErrorRate,
			Message:  fmt.Sprintf("error rate %d%% exceeds threshold %d%%", ratePct, s.errorRatePct),
			Details:  map[string]interface{}{"completed": completed, "failed": failed},
		})
	}
	s.errorBreached = rateBreach

	waitBreach := stats.AvgWaitMS > s.slowWait.Milliseconds()
	if waitBreach && !s.waitBreached {
		raised = append(raised, models.Alert{
			Severity: models.AlertSeverityWarning,
			Category: models.AlertCategorySlowJob,
			Message:  fmt.Sprintf("average queue wait %s exceeds %s", (time.Duration(stats.AvgWaitMS) * time.Millisecond).Round(time.Second), s.slowWait),
			Details:  map[string]interface{}{"avg_wait_ms": stats.AvgWaitMS},
		})
	}
	s.waitBreached = waitBreach

	current := make(map[string]bool, len(stalledJobs))
	for _, job := range stalledJobs {
		current[job.ID] = true
		if s.alertedStalled[job.ID] {
			continue
		}
		raised = append(raised, models.Alert{
			Severity: models.AlertSeverityCritical,
			Category: models.AlertCategoryStalledJob,
			Message:  fmt.Sprintf("job '%s' stalled with no progress", job.ID),
			Tenant:   job.Tenant,
			JobID:    job.ID,
			JobType:  job.Type,
		})
	}
	s.alertedStalled = current

	s.mu.Unlock()

	for _, alert := range raised {
		s.RaiseAlert(alert)
	}
}

// RaiseAlert records an alert in the ring and logs it. Missing id and
// timestamp are filled in.
func (s *Service) RaiseAlert(alert models.Alert) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	if len(s.alerts) > s.maxAlerts {
		s.alerts = s.alerts[len(s.alerts)-s.maxAlerts:]
	}
	s.mu.Unlock()

	event := s.logger.Warn()
	switch alert.Severity {
	case models.AlertSeverityError, models.AlertSeverityCritical:
		event = s.logger.Error()
	case models.AlertSeverityInfo:
		event = s.logger.Info()
	}
	event.
		Str("alert_id", alert.ID).
		Str("category", alert.Category).
		Str("severity", alert.Severity).
		Str("tenant", alert.Tenant).
		Str("job_id", alert.JobID).
		Str("worker_id", alert.WorkerID).
		Msg(alert.Message)
}

// Alerts returns the most recent alerts, newest first. A non-positive limit
// returns everything in the ring.
func (s *Service) Alerts(limit int) []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.alerts)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.alerts[i])
	}
	return out
}

// AckAlert marks an alert acknowledged. Returns false when the id is unknown
// or the alert has already been evicted from the ring.
func (s *Service) AckAlert(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			if !s.alerts[i].Acked {
				now := time.Now()
				s.alerts[i].Acked = true
				s.alerts[i].AckedAt = &now
			}
			return true
		}
	}
	return false
}

// retryLoop watches failure events and re-queues eligible jobs.
func (s *Service) retryLoop(ctx context.Context) {
	events, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != models.JobEventFailed || ev.Job == nil {
				continue
			}
			s.maybeAutoRetry(ctx, ev.Job)
		}
	}
}

// maybeAutoRetry re-queues a freshly failed job when its error is retryable,
// its type is in the auto-retry set, and the job has fewer than the
// configured auto-retries in the past hour.
func (s *Service) maybeAutoRetry(ctx context.Context, job *models.Job) {
	if job.Error == nil || !job.Error.Retryable {
		return
	}
	if !containsType(s.autoRetry.Types, job.Type) {
		return
	}

	now := time.Now()
	s.mu.Lock()
	recent := pruneBefore(s.retries[job.ID], now.Add(-autoRetryWindow))
	if len(recent) >= s.autoRetry.PerJobThreshold {
		s.retries[job.ID] = recent
		s.mu.Unlock()
		s.logger.Debug().
			Str("job_id", job.ID).
			Int("recent_retries", len(recent)).
			Msg("Auto-retry budget exhausted")
		return
	}
	s.retries[job.ID] = append(recent, now)
	s.mu.Unlock()

	if _, err := s.queue.Retry(ctx, job.Tenant, job.ID); err != nil {
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("tenant", job.Tenant).
			Err(err).
			Msg("Auto-retry failed")
		return
	}

	s.RaiseAlert(models.Alert{
		Severity: models.AlertSeverityInfo,
		Category: models.AlertCategoryAutoRetry,
		Message:  fmt.Sprintf("auto-retried job '%s' after a retryable %s failure", job.ID, job.Error.Kind),
		Tenant:   job.Tenant,
		JobID:    job.ID,
	})
}

// pruneRetries drops auto-retry bookkeeping outside the budget window.
// Caller holds mu.
func (s *Service) pruneRetries(now time.Time) {
	cutoff := now.Add(-autoRetryWindow)
	for id, times := range s.retries {
		kept := pruneBefore(times, cutoff)
		if len(kept) == 0 {
			delete(s.retries, id)
			continue
		}
		s.retries[id] = kept
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func containsType(types []string, t string) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

var _ interfaces.Monitor = (*Service)(nil)
var _ interfaces.AlertSink = (*Service)(nil)
