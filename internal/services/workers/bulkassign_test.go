package workers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/models"
	"github.com/casekit/docket/internal/services/queue"
	"github.com/casekit/docket/internal/storage/casedb"
	"github.com/casekit/docket/internal/storage/jobdb"
)

func newBulkHandler(t *testing.T) (*BulkAssignmentHandler, *casedb.Store, *queue.Service) {
	t.Helper()
	cases, err := casedb.NewStore(testLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cases.Close() })

	jobs, err := jobdb.NewStore(testLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })

	bus := queue.NewBus(testLogger())
	t.Cleanup(bus.Close)
	q := queue.NewService(jobs, bus, testLogger(), common.NewDefaultConfig())

	handler := NewBulkAssignmentHandler(cases, q, testLogger())
	handler.batchPause = time.Millisecond
	return handler, cases, q
}

func bulkJob(t *testing.T, payload models.BulkAssignmentPayload) *models.Job {
	job := testJob(t, models.JobTypeBulkAssignment, payload)
	job.ID = "bulk-1"
	return job
}

func siblingJobs(t *testing.T, q *queue.Service) []*models.Job {
	t.Helper()
	jobs, _, err := q.List(context.Background(), "t-1", models.JobFilter{
		Types: []string{models.JobTypeEmailArchival},
	})
	require.NoError(t, err)
	return jobs
}

func TestBulk_AssignsAndEnqueuesSiblings(t *testing.T) {
	handler, cases, q := newBulkHandler(t)
	recorder := &progressRecorder{}

	result, err := handler.Execute(context.Background(),
		bulkJob(t, models.BulkAssignmentPayload{
			EmailIDs:  []string{"m-1", "m-2", "m-3"},
			CaseID:    "c-1",
			BatchSize: 2,
		}),
		recorder.sink(), neverCancel)
	require.NoError(t, err)

	var outcome bulkOutcome
	require.NoError(t, json.Unmarshal(result.Data, &outcome))
	assert.Equal(t, 3, outcome.Total)
	assert.Equal(t, 3, outcome.Success)
	assert.Zero(t, outcome.Error)
	assert.Empty(t, result.Warnings)

	siblings := siblingJobs(t, q)
	require.Len(t, siblings, 3)
	for _, sibling := range siblings {
		assert.Equal(t, models.JobStatusQueued, sibling.Status)
		assert.Equal(t, "c-1", sibling.Metadata["case_id"])
		assert.Equal(t, "bulk-1", sibling.Metadata["source_job"])
	}

	for _, messageID := range []string{"m-1", "m-2", "m-3"} {
		assignment, err := cases.GetAssignment(context.Background(), "t-1", messageID)
		require.NoError(t, err)
		assert.Equal(t, "c-1", assignment.CaseID)
		assert.Equal(t, "ann@a.example", assignment.AssignedBy)
		assert.NotEmpty(t, assignment.ArchiveJobID)
	}

	// Two batches of two and one: progress lands at 66 then 100.
	assert.Equal(t, []int{66, 100}, recorder.percentages())
}

func TestBulk_SkipsExistingAssignment(t *testing.T) {
	handler, cases, q := newBulkHandler(t)

	require.NoError(t, cases.SaveAssignment(context.Background(), &models.CaseAssignment{
		Tenant: "t-1", MessageID: "m-1", CaseID: "c-1", AssignedBy: "seed",
	}))

	result, err := handler.Execute(context.Background(),
		bulkJob(t, models.BulkAssignmentPayload{
			EmailIDs: []string{"m-1", "m-2"},
			CaseID:   "c-1",
		}),
		(&progressRecorder{}).sink(), neverCancel)
	require.NoError(t, err)

	var outcome bulkOutcome
	require.NoError(t, json.Unmarshal(result.Data, &outcome))
	assert.Equal(t, 2, outcome.Success)

	// Only the new assignment got a sibling.
	assert.Len(t, siblingJobs(t, q), 1)

	existing, err := cases.GetAssignment(context.Background(), "t-1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, "seed", existing.AssignedBy)
}

func TestBulk_ReassignsAcrossCases(t *testing.T) {
	handler, cases, q := newBulkHandler(t)

	require.NoError(t, cases.SaveAssignment(context.Background(), &models.CaseAssignment{
		Tenant: "t-1", MessageID: "m-1", CaseID: "c-9", AssignedBy: "seed",
	}))

	_, err := handler.Execute(context.Background(),
		bulkJob(t, models.BulkAssignmentPayload{
			EmailIDs: []string{"m-1"},
			CaseID:   "c-1",
		}),
		(&progressRecorder{}).sink(), neverCancel)
	require.NoError(t, err)

	moved, err := cases.GetAssignment(context.Background(), "t-1", "m-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", moved.CaseID)
	assert.Len(t, siblingJobs(t, q), 1)
}

func TestBulk_CountsFailuresAndWarns(t *testing.T) {
	handler, _, q := newBulkHandler(t)

	result, err := handler.Execute(context.Background(),
		bulkJob(t, models.BulkAssignmentPayload{
			EmailIDs: []string{"m-1", "", "m-3"},
			CaseID:   "c-1",
		}),
		(&progressRecorder{}).sink(), neverCancel)
	require.NoError(t, err)

	var outcome bulkOutcome
	require.NoError(t, json.Unmarshal(result.Data, &outcome))
	assert.Equal(t, 3, outcome.Total)
	assert.Equal(t, 2, outcome.Success)
	assert.Equal(t, 1, outcome.Error)
	require.Len(t, outcome.TopErrors, 1)
	assert.Contains(t, outcome.TopErrors[0], "empty email id")

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "1 of 3 assignments failed")
	assert.Len(t, siblingJobs(t, q), 2)
}

func TestBulk_CancelsAtBatchBoundary(t *testing.T) {
	handler, cases, q := newBulkHandler(t)
	recorder := &progressRecorder{}

	// The first boundary poll passes, the second cancels before batch two.
	_, err := handler.Execute(context.Background(),
		bulkJob(t, models.BulkAssignmentPayload{
			EmailIDs:  []string{"m-1", "m-2", "m-3", "m-4"},
			CaseID:    "c-1",
			BatchSize: 2,
		}),
		recorder.sink(), cancelAfter(1))
	assert.Equal(t, models.ErrKindCancelled, errKind(t, err))

	// Batch one landed, batch two never ran.
	assert.Len(t, siblingJobs(t, q), 2)
	_, err = cases.GetAssignment(context.Background(), "t-1", "m-3")
	assert.Equal(t, models.ErrKindNotFound, errKind(t, err))
	assert.Equal(t, []int{50}, recorder.percentages())
}
