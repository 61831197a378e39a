package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
	"github.com/casekit/docket/internal/storage/jobdb"
)

func testLogger() *common.Logger {
	return common.NewSilentLogger()
}

func newTestService(t *testing.T) (*Service, *Bus, interfaces.JobStore) {
	t.Helper()
	logger := testLogger()
	store, err := jobdb.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := NewBus(logger)
	t.Cleanup(bus.Close)

	svc := NewService(store, bus, logger, common.NewDefaultConfig())
	return svc, bus, store
}

func archivalPayload() json.RawMessage {
	return json.RawMessage(`{"message_id":"m-1","case_id":"c-1"}`)
}

func kindOf(t *testing.T, err error) string {
	t.Helper()
	var je *models.JobError
	if !errors.As(err, &je) {
		t.Fatalf("expected a job error, got %v", err)
	}
	return je.Kind
}

func TestEnqueue_DefaultsAndPersists(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected a generated job id")
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	if job.Priority != models.PriorityNormal {
		t.Errorf("priority = %s, want normal", job.Priority)
	}
	if job.TimeoutMS != (5 * time.Minute).Milliseconds() {
		t.Errorf("timeout_ms = %d, want 300000", job.TimeoutMS)
	}
	if job.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", job.MaxRetries)
	}
	if job.CreatedAt.IsZero() || job.QueuedAt.IsZero() {
		t.Error("expected created_at and queued_at to be set")
	}

	got, err := svc.Get(ctx, "tenant-a", job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.User != "alice" || got.Type != models.JobTypeEmailArchival {
		t.Errorf("round trip mismatch: user=%s type=%s", got.User, got.Type)
	}
}

func TestEnqueue_OptionOverrides(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	maxRetries := 0
	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), &models.JobOptions{
		Priority:   models.PriorityUrgent,
		TimeoutMS:  60000,
		MaxRetries: &maxRetries,
		Metadata:   map[string]string{"case_id": "c-1"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Priority != models.PriorityUrgent {
		t.Errorf("priority = %s, want urgent", job.Priority)
	}
	if job.TimeoutMS != 60000 {
		t.Errorf("timeout_ms = %d, want 60000", job.TimeoutMS)
	}
	if job.MaxRetries != 0 {
		t.Errorf("max_retries = %d, want explicit 0", job.MaxRetries)
	}
	if job.Metadata["case_id"] != "c-1" {
		t.Errorf("metadata lost: %v", job.Metadata)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		tenant  string
		user    string
		jobType string
		payload json.RawMessage
		opts    *models.JobOptions
	}{
		{"missing tenant", "", "alice", models.JobTypeEmailArchival, archivalPayload(), nil},
		{"missing user", "tenant-a", "", models.JobTypeEmailArchival, archivalPayload(), nil},
		{"unknown type", "tenant-a", "alice", "mine-bitcoin", archivalPayload(), nil},
		{"malformed payload", "tenant-a", "alice", models.JobTypeEmailArchival, json.RawMessage(`{"message_id":`), nil},
		{"missing payload field", "tenant-a", "alice", models.JobTypeEmailArchival, json.RawMessage(`{"message_id":"m-1"}`), nil},
		{"unknown priority", "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), &models.JobOptions{Priority: "asap"}},
		{"negative timeout", "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), &models.JobOptions{TimeoutMS: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, tc.tenant, tc.user, tc.jobType, tc.payload, tc.opts)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if kind := kindOf(t, err); kind != models.ErrKindValidation {
				t.Errorf("kind = %s, want VALIDATION", kind)
			}
		})
	}
}

func TestEnqueue_ScheduledJobsStartPending(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), &models.JobOptions{
		ScheduledFor: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}

	// A schedule in the past queues immediately.
	job, err = svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), &models.JobOptions{
		ScheduledFor: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
}

func TestEnqueue_DepthCeiling(t *testing.T) {
	logger := testLogger()
	store, err := jobdb.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	bus := NewBus(logger)
	t.Cleanup(bus.Close)

	config := common.NewDefaultConfig()
	config.Queue.MaxDepthPerTenant = 2
	svc := NewService(store, bus, logger, config)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	_, err = svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err == nil {
		t.Fatal("expected the depth ceiling to reject the third job")
	}
	if kind := kindOf(t, err); kind != models.ErrKindPrecondition {
		t.Errorf("kind = %s, want PRECONDITION", kind)
	}

	// Other tenants are unaffected.
	if _, err := svc.Enqueue(ctx, "tenant-b", "bob", models.JobTypeEmailArchival, archivalPayload(), nil); err != nil {
		t.Errorf("tenant-b enqueue: %v", err)
	}
}

func TestEnqueue_EmitsCreatedAndQueued(t *testing.T) {
	svc, bus, _ := newTestService(t)
	ctx := context.Background()

	events, cancel := bus.Subscribe(8)
	defer cancel()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case event := <-events:
			types = append(types, event.Type)
			if event.Job == nil || event.Job.ID != job.ID {
				t.Errorf("event %s carries wrong job", event.Type)
			}
			if event.Tenant != "tenant-a" {
				t.Errorf("event tenant = %s", event.Tenant)
			}
			if event.QueueSize < 1 {
				t.Errorf("event queue_size = %d, want >= 1", event.QueueSize)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for lifecycle events")
		}
	}
	if types[0] != models.JobEventCreated || types[1] != models.JobEventQueued {
		t.Errorf("event order = %v, want [job_created job_queued]", types)
	}
}

func TestCancel_WaitingJobFinalizes(t *testing.T) {
	svc, bus, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	events, cancelSub := bus.Subscribe(8)
	defer cancelSub()

	cancelled, err := svc.Cancel(ctx, "tenant-a", job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CancelledAt.IsZero() {
		t.Error("expected cancelled_at to be set")
	}

	select {
	case event := <-events:
		if event.Type != models.JobEventCancelled {
			t.Errorf("event type = %s, want job_cancelled", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the cancelled event")
	}
}

func TestCancel_RunningJobFlagged(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := store.Claim(ctx, "w-1", nil)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	flagged, err := svc.Cancel(ctx, "tenant-a", job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if flagged.Status != models.JobStatusRunning {
		t.Errorf("status = %s, want running until the handler yields", flagged.Status)
	}
	if !flagged.CancelRequested {
		t.Error("expected cancel_requested to be set")
	}
}

func TestCancel_TerminalJobRejected(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, "w-1", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkCompleted(ctx, "tenant-a", job.ID, &models.JobResult{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, err = svc.Cancel(ctx, "tenant-a", job.ID)
	if err == nil {
		t.Fatal("expected cancelling a completed job to fail")
	}
	if kind := kindOf(t, err); kind != models.ErrKindPrecondition {
		t.Errorf("kind = %s, want PRECONDITION", kind)
	}
}

func TestRetry_ResetsFailedJob(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, "w-1", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	jobErr := models.NewJobError(models.ErrKindUpstreamTransient, "mail api down")
	if err := store.MarkFailed(ctx, "tenant-a", job.ID, jobErr); err != nil {
		t.Fatalf("fail: %v", err)
	}

	retried, err := svc.Retry(ctx, "tenant-a", job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", retried.Status)
	}
	if retried.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", retried.Attempts)
	}
	if retried.Error != nil || retried.Progress != nil || retried.WorkerID != "" {
		t.Error("expected error, progress, and worker to be cleared")
	}
}

func TestRetry_QueuedJobRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, err = svc.Retry(ctx, "tenant-a", job.ID)
	if err == nil {
		t.Fatal("expected retrying a queued job to fail")
	}
	if kind := kindOf(t, err); kind != models.ErrKindPrecondition {
		t.Errorf("kind = %s, want PRECONDITION", kind)
	}
}

func TestDelete_RunningJobRefused(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, "w-1", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := svc.Delete(ctx, "tenant-a", job.ID); err == nil {
		t.Fatal("expected deleting a running job to fail")
	}

	if err := store.MarkCompleted(ctx, "tenant-a", job.ID, &models.JobResult{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := svc.Delete(ctx, "tenant-a", job.ID); err != nil {
		t.Fatalf("delete after completion: %v", err)
	}
	if _, err := svc.Get(ctx, "tenant-a", job.ID); !models.IsErrKind(err, models.ErrKindNotFound) {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
}

func TestBulk_MixedOutcomes(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := svc.Bulk(ctx, "tenant-a", models.BulkOpCancel, []string{job.ID, "no-such-job"})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != job.ID {
		t.Errorf("succeeded = %v", result.Succeeded)
	}
	if len(result.Failed) != 1 {
		t.Errorf("failed = %v", result.Failed)
	}
	if _, ok := result.Failed["no-such-job"]; !ok {
		t.Errorf("expected no-such-job in failures, got %v", result.Failed)
	}
}

func TestBulk_ValidatesOpAndIDs(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Bulk(ctx, "tenant-a", "explode", []string{"j-1"}); err == nil {
		t.Fatal("expected an unknown op to fail")
	}
	if _, err := svc.Bulk(ctx, "tenant-a", models.BulkOpCancel, nil); err == nil {
		t.Fatal("expected empty ids to fail")
	}
}

func TestBulk_RestartCompletedJob(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, "w-1", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkCompleted(ctx, "tenant-a", job.ID, &models.JobResult{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Plain retry refuses completed jobs; restart requeues them.
	if _, err := svc.Retry(ctx, "tenant-a", job.ID); err == nil {
		t.Fatal("expected retry of a completed job to fail")
	}
	result, err := svc.Bulk(ctx, "tenant-a", models.BulkOpRestart, []string{job.ID})
	if err != nil {
		t.Fatalf("bulk restart: %v", err)
	}
	if len(result.Succeeded) != 1 {
		t.Fatalf("restart failed: %v", result.Failed)
	}

	restarted, err := svc.Get(ctx, "tenant-a", job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if restarted.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", restarted.Status)
	}
	if restarted.Result != nil {
		t.Error("expected the previous result to be cleared")
	}
}

func TestSubscribe_FiltersToOneJob(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := make(chan models.JobEvent, 8)
	cancel := svc.Subscribe(first.ID, func(event models.JobEvent) { got <- event })
	defer cancel()

	// Events for other jobs must not reach the subscriber.
	if _, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if _, err := svc.Cancel(ctx, "tenant-a", first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case event := <-got:
		if event.Type != models.JobEventCancelled || event.Job.ID != first.ID {
			t.Errorf("got %s for %s, want job_cancelled for %s", event.Type, event.Job.ID, first.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the subscribed job's event")
	}

	select {
	case event := <-got:
		t.Errorf("unexpected extra event %s for %s", event.Type, event.Job.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAll_SeesEveryTenant(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	got := make(chan models.JobEvent, 8)
	cancel := svc.SubscribeAll(func(event models.JobEvent) { got <- event })
	defer cancel()

	if _, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.Enqueue(ctx, "tenant-b", "bob", models.JobTypeEmailArchival, archivalPayload(), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	tenants := map[string]bool{}
	for i := 0; i < 4; i++ {
		select {
		case event := <-got:
			tenants[event.Tenant] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if !tenants["tenant-a"] || !tenants["tenant-b"] {
		t.Errorf("expected events from both tenants, got %v", tenants)
	}
}

func TestStats_CountsByStatus(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Enqueue(ctx, "tenant-a", "alice", models.JobTypeEmailArchival, archivalPayload(), nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "w-1", nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	stats, err := svc.Stats(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[models.JobStatusQueued] != 2 || stats.ByStatus[models.JobStatusRunning] != 1 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
}
