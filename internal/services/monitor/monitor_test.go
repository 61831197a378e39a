package monitor

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
	"github.com/casekit/docket/internal/services/queue"
	"github.com/casekit/docket/internal/storage/jobdb"
)

func testLogger() *common.Logger {
	return common.NewSilentLogger()
}

// stubPool serves a settable snapshot.
type stubPool struct {
	mu   sync.Mutex
	snap models.PoolSnapshot
}

func (p *stubPool) Snapshot() models.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *stubPool) set(snap models.PoolSnapshot) {
	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()
}

func healthySnapshot(workerCount int) models.PoolSnapshot {
	now := time.Now()
	snap := models.PoolSnapshot{StartedAt: now, Running: true}
	for i := 0; i < workerCount; i++ {
		snap.Workers = append(snap.Workers, models.WorkerSnapshot{
			ID:            "w-" + string(rune('a'+i)),
			Types:         models.JobTypes(),
			Status:        models.WorkerStatusIdle,
			StartedAt:     now,
			LastHeartbeat: now,
		})
	}
	return snap
}

func newTestMonitor(t *testing.T, cfg *common.Config) (*Service, interfaces.JobStore, *stubPool, *queue.Bus) {
	t.Helper()
	logger := testLogger()
	store, err := jobdb.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := queue.NewBus(logger)
	t.Cleanup(bus.Close)
	q := queue.NewService(store, bus, logger, cfg)

	pool := &stubPool{}
	pool.set(healthySnapshot(1))

	svc := NewService(store, q, pool, bus, logger, cfg)
	t.Cleanup(svc.Stop)
	return svc, store, pool, bus
}

func seedStatusJob(t *testing.T, store interfaces.JobStore, id, jobType, status string) *models.Job {
	t.Helper()
	now := time.Now()
	job := &models.Job{
		ID:         id,
		Tenant:     "tenant-a",
		User:       "alice",
		Type:       jobType,
		Status:     status,
		Priority:   models.PriorityNormal,
		MaxRetries: 1,
		CreatedAt:  now.Add(-time.Minute),
		QueuedAt:   now.Add(-time.Minute),
	}
	switch status {
	case models.JobStatusCompleted:
		job.StartedAt = now.Add(-50 * time.Second)
		job.CompletedAt = now.Add(-30 * time.Second)
	case models.JobStatusFailed:
		job.Attempts = 2
		job.StartedAt = now.Add(-50 * time.Second)
		job.FailedAt = now.Add(-30 * time.Second)
		job.Error = models.NewJobError(models.ErrKindUpstreamTransient, "mail api 503")
	case models.JobStatusStalled:
		job.StartedAt = now.Add(-20 * time.Minute)
		job.Error = models.NewJobError(models.ErrKindStalled, "no progress for 15m")
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job %s: %v", id, err)
	}
	return job
}

func countAlerts(svc *Service, category string) int {
	n := 0
	for _, a := range svc.Alerts(0) {
		if a.Category == category {
			n++
		}
	}
	return n
}

func TestHealth_QuietSystemIsHealthy(t *testing.T) {
	svc, _, _, _ := newTestMonitor(t, common.NewDefaultConfig())

	report, err := svc.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Status != models.HealthStatusHealthy {
		t.Errorf("status = %s, want healthy", report.Status)
	}
	if report.Overall != 100 {
		t.Errorf("overall = %d, want 100", report.Overall)
	}
	if report.QueuedJobs != 0 || report.ActiveJobs != 0 || report.StalledJobs != 0 {
		t.Errorf("counts = %d/%d/%d, want zeros", report.QueuedJobs, report.ActiveJobs, report.StalledJobs)
	}
	if len(svc.Alerts(0)) != 0 {
		t.Errorf("expected no alerts, got %v", svc.Alerts(0))
	}
}

func TestHealth_BacklogWithIdleWorkersDegrades(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Monitor.QueueSizeThreshold = 2
	svc, store, _, _ := newTestMonitor(t, cfg)
	ctx := context.Background()

	for _, id := range []string{"q-1", "q-2", "q-3"} {
		seedStatusJob(t, store, id, models.JobTypeEmailArchival, models.JobStatusQueued)
	}

	report, err := svc.refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if report.Queue.Score != 30 {
		t.Errorf("queue score = %d, want 30 (depth and no-running penalties)", report.Queue.Score)
	}
	if report.Processing.Score != 70 {
		t.Errorf("processing score = %d, want 70 (no throughput with backlog)", report.Processing.Score)
	}
	if report.Status != models.HealthStatusDegraded {
		t.Errorf("status = %s, want degraded", report.Status)
	}
	if got := countAlerts(svc, models.AlertCategoryQueueDepth); got != 1 {
		t.Errorf("queue-depth alerts = %d, want 1", got)
	}

	// A persistent breach must not re-alert on the next sweep.
	if _, err := svc.refresh(ctx); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got := countAlerts(svc, models.AlertCategoryQueueDepth); got != 1 {
		t.Errorf("queue-depth alerts after second sweep = %d, want 1", got)
	}
}

func TestHealth_ErrorRateRaisesAlert(t *testing.T) {
	svc, store, _, _ := newTestMonitor(t, common.NewDefaultConfig())
	ctx := context.Background()

	seedStatusJob(t, store, "ok-1", models.JobTypeEmailArchival, models.JobStatusCompleted)
	for _, id := range []string{"f-1", "f-2", "f-3"} {
		seedStatusJob(t, store, id, models.JobTypeEmailArchival, models.JobStatusFailed)
	}

	report, err := svc.refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if report.Processing.Score != 60 {
		t.Errorf("processing score = %d, want 60", report.Processing.Score)
	}

	alerts := svc.Alerts(0)
	found := false
	for _, a := range alerts {
		if a.Category == models.AlertCategoryErrorRate && a.Severity == models.AlertSeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error-severity error-rate alert, got %v", alerts)
	}
}

func TestHealth_StalledJobAlertsOncePerEpisode(t *testing.T) {
	svc, store, _, _ := newTestMonitor(t, common.NewDefaultConfig())
	ctx := context.Background()

	job := seedStatusJob(t, store, "job-stuck", models.JobTypeEmailArchival, models.JobStatusStalled)

	report, err := svc.refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if report.StalledJobs != 1 {
		t.Errorf("stalled = %d, want 1", report.StalledJobs)
	}
	if _, err := svc.refresh(ctx); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got := countAlerts(svc, models.AlertCategoryStalledJob); got != 1 {
		t.Errorf("stalled alerts = %d, want 1", got)
	}

	// Recovery and a later stall is a new episode.
	job.Status = models.JobStatusQueued
	job.Error = nil
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.refresh(ctx); err != nil {
		t.Fatalf("third refresh: %v", err)
	}
	job.Status = models.JobStatusStalled
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.refresh(ctx); err != nil {
		t.Fatalf("fourth refresh: %v", err)
	}
	if got := countAlerts(svc, models.AlertCategoryStalledJob); got != 2 {
		t.Errorf("stalled alerts after re-entry = %d, want 2", got)
	}
}

func TestScoreWorkers_PenaltiesAndFloor(t *testing.T) {
	now := time.Now()
	fresh := now
	stale := now.Add(-5 * time.Minute)

	tests := []struct {
		name string
		snap models.PoolSnapshot
		want int
	}{
		{
			name: "all healthy",
			snap: models.PoolSnapshot{Running: true, Workers: []models.WorkerSnapshot{
				{ID: "a", Status: models.WorkerStatusIdle, LastHeartbeat: fresh},
				{ID: "b", Status: models.WorkerStatusBusy, LastHeartbeat: fresh},
			}},
			want: 100,
		},
		{
			name: "one of two stopped",
			snap: models.PoolSnapshot{Running: true, Workers: []models.WorkerSnapshot{
				{ID: "a", Status: models.WorkerStatusIdle, LastHeartbeat: fresh},
				{ID: "b", Status: models.WorkerStatusStopped, LastHeartbeat: fresh},
			}},
			want: 30,
		},
		{
			name: "single unhealthy floors at zero",
			snap: models.PoolSnapshot{Running: true, Workers: []models.WorkerSnapshot{
				{ID: "a", Status: models.WorkerStatusUnhealthy, LastHeartbeat: stale},
			}},
			want: 0,
		},
		{
			name: "pool not running",
			snap: models.PoolSnapshot{Running: false, Workers: []models.WorkerSnapshot{
				{ID: "a", Status: models.WorkerStatusIdle, LastHeartbeat: fresh},
			}},
			want: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := scoreWorkers(&tc.snap, now)
			if got.Score != tc.want {
				t.Errorf("score = %d, want %d", got.Score, tc.want)
			}
		})
	}
}

func TestAutoRetry_RequeuesWithinBudget(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Monitor.AutoRetry.PerJobThreshold = 1
	svc, store, _, bus := newTestMonitor(t, cfg)
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	job := seedStatusJob(t, store, "job-fail", models.JobTypeEmailArchival, models.JobStatusFailed)
	bus.Publish(models.JobEvent{Type: models.JobEventFailed, Tenant: job.Tenant, Job: job, Timestamp: time.Now()})

	deadline := time.Now().Add(5 * time.Second)
	requeued := false
	for time.Now().Before(deadline) {
		got, err := store.Get(ctx, job.Tenant, job.ID)
		if err == nil && got.Status == models.JobStatusQueued {
			requeued = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !requeued {
		t.Fatal("expected the failed job to be auto-retried")
	}
	if got := countAlerts(svc, models.AlertCategoryAutoRetry); got != 1 {
		t.Errorf("auto-retry alerts = %d, want 1", got)
	}

	// Budget is one per hour: a second failure stays failed.
	got, err := store.Get(ctx, job.Tenant, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = models.JobStatusFailed
	got.Error = models.NewJobError(models.ErrKindUpstreamTransient, "mail api 503")
	got.FailedAt = time.Now()
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	bus.Publish(models.JobEvent{Type: models.JobEventFailed, Tenant: got.Tenant, Job: got, Timestamp: time.Now()})

	time.Sleep(300 * time.Millisecond)
	after, err := store.Get(ctx, job.Tenant, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want failed (budget exhausted)", after.Status)
	}
	if got := countAlerts(svc, models.AlertCategoryAutoRetry); got != 1 {
		t.Errorf("auto-retry alerts = %d, want 1 after budget hit", got)
	}
}

func TestAutoRetry_SkipsNonRetryableAndForeignTypes(t *testing.T) {
	svc, store, _, bus := newTestMonitor(t, common.NewDefaultConfig())
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	precond := seedStatusJob(t, store, "job-precond", models.JobTypeEmailArchival, models.JobStatusFailed)
	precond.Error = models.NewJobError(models.ErrKindPrecondition, "account disconnected")
	if err := store.Update(ctx, precond); err != nil {
		t.Fatalf("update: %v", err)
	}
	bus.Publish(models.JobEvent{Type: models.JobEventFailed, Tenant: precond.Tenant, Job: precond, Timestamp: time.Now()})

	// storage-cleanup is not in the default auto-retry type set.
	foreign := seedStatusJob(t, store, "job-foreign", models.JobTypeStorageCleanup, models.JobStatusFailed)
	bus.Publish(models.JobEvent{Type: models.JobEventFailed, Tenant: foreign.Tenant, Job: foreign, Timestamp: time.Now()})

	time.Sleep(300 * time.Millisecond)
	for _, id := range []string{"job-precond", "job-foreign"} {
		got, err := store.Get(ctx, "tenant-a", id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != models.JobStatusFailed {
			t.Errorf("%s status = %s, want failed", id, got.Status)
		}
	}
	if got := countAlerts(svc, models.AlertCategoryAutoRetry); got != 0 {
		t.Errorf("auto-retry alerts = %d, want 0", got)
	}
}

func TestAlerts_NewestFirstAndBounded(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Monitor.MaxAlertsHistory = 2
	svc, _, _, _ := newTestMonitor(t, cfg)

	for _, msg := range []string{"first", "second", "third"} {
		svc.RaiseAlert(models.Alert{
			Severity: models.AlertSeverityInfo,
			Category: models.AlertCategoryWorker,
			Message:  msg,
		})
	}

	alerts := svc.Alerts(0)
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want ring capped at 2", len(alerts))
	}
	if alerts[0].Message != "third" || alerts[1].Message != "second" {
		t.Errorf("order = %s, %s; want third, second", alerts[0].Message, alerts[1].Message)
	}
	if alerts[0].ID == "" || alerts[0].CreatedAt.IsZero() {
		t.Error("expected generated id and timestamp")
	}

	one := svc.Alerts(1)
	if len(one) != 1 || one[0].Message != "third" {
		t.Errorf("Alerts(1) = %v, want just the newest", one)
	}
}

func TestAckAlert_MarksAndRejects(t *testing.T) {
	svc, _, _, _ := newTestMonitor(t, common.NewDefaultConfig())

	svc.RaiseAlert(models.Alert{
		Severity: models.AlertSeverityWarning,
		Category: models.AlertCategoryQueueDepth,
		Message:  "queue depth 50 exceeds threshold 10",
	})
	id := svc.Alerts(1)[0].ID

	if !svc.AckAlert(id) {
		t.Fatalf("AckAlert(%q) = false, want true", id)
	}
	got := svc.Alerts(1)[0]
	if !got.Acked || got.AckedAt == nil {
		t.Errorf("alert not marked acked: %+v", got)
	}

	// Second ack is idempotent and keeps the original timestamp.
	first := *got.AckedAt
	if !svc.AckAlert(id) {
		t.Error("re-ack of a known alert should still report true")
	}
	if again := svc.Alerts(1)[0]; !again.AckedAt.Equal(first) {
		t.Errorf("AckedAt changed on re-ack: %v != %v", again.AckedAt, first)
	}

	if svc.AckAlert("no-such-alert") {
		t.Error("AckAlert of an unknown id should report false")
	}
}

func TestTrendChart_RendersPNG(t *testing.T) {
	svc, _, _, _ := newTestMonitor(t, common.NewDefaultConfig())
	ctx := context.Background()

	if _, err := svc.refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	png, err := svc.TrendChart(ctx)
	if err != nil {
		t.Fatalf("trend chart: %v", err)
	}
	if len(png) < 8 || !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("expected PNG output")
	}

	history := svc.History(0)
	if len(history) != 2 {
		t.Errorf("history = %d samples, want 2", len(history))
	}
	if len(history) == 2 && history[0].At.After(history[1].At) {
		t.Error("history must be oldest first")
	}
}
