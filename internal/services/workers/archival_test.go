package workers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casekit/docket/internal/clients/credstatic"
	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/models"
)

func connectedCreds() *credstatic.Source {
	return credstatic.NewSource(testLogger(), []common.MailAccountConfig{
		{Tenant: "t-1", User: "ann@a.example", AccessToken: "tok-ann", Connected: true},
	})
}

func archivalJob(t *testing.T, payload models.ArchivalPayload) *models.Job {
	return testJob(t, models.JobTypeEmailArchival, payload)
}

func TestArchival_FetchesAndStores(t *testing.T) {
	svc, _ := newArchiverForTest(t)
	mail := newStubMail("m-1")
	handler := NewArchivalHandler(connectedCreds(), mail, svc, testLogger())
	recorder := &progressRecorder{}

	result, err := handler.Execute(context.Background(),
		archivalJob(t, models.ArchivalPayload{MessageID: "m-1", CaseID: "c-1"}),
		recorder.sink(), neverCancel)
	require.NoError(t, err)

	var stored models.StorageResult
	require.NoError(t, json.Unmarshal(result.Data, &stored))
	assert.False(t, stored.Skipped)
	assert.Equal(t, 2, stored.BodiesStored)
	assert.Equal(t, 2, stored.AttachmentsStored)
	assert.Equal(t, stored.BytesWritten, result.Metrics.BytesProcessed)
	assert.Equal(t, 1, result.Metrics.ItemsProcessed)

	assert.Equal(t, []int{0, 25, 50, 75, 100}, recorder.percentages())

	// att-2 carried bytes in the listing, so only att-1 needed a direct get.
	assert.Equal(t, 1, mail.count("GetMessage"))
	assert.Equal(t, 1, mail.count("GetMessageContent"))
	assert.Equal(t, 1, mail.count("ListAttachments"))
	assert.Equal(t, 1, mail.count("GetAttachment"))

	archived, err := svc.HasArchive(context.Background(), "t-1", "c-1", "m-1")
	require.NoError(t, err)
	assert.True(t, archived)
}

func TestArchival_SkipsFetchWhenArchived(t *testing.T) {
	svc, _ := newArchiverForTest(t)
	mail := newStubMail("m-1")
	handler := NewArchivalHandler(connectedCreds(), mail, svc, testLogger())
	job := archivalJob(t, models.ArchivalPayload{MessageID: "m-1", CaseID: "c-1"})

	_, err := handler.Execute(context.Background(), job, (&progressRecorder{}).sink(), neverCancel)
	require.NoError(t, err)

	result, err := handler.Execute(context.Background(), job, (&progressRecorder{}).sink(), neverCancel)
	require.NoError(t, err)

	var stored models.StorageResult
	require.NoError(t, json.Unmarshal(result.Data, &stored))
	assert.True(t, stored.Skipped)
	assert.Zero(t, stored.BytesWritten)

	// The second run never went upstream.
	assert.Equal(t, 1, mail.count("GetMessage"))
	assert.Equal(t, 1, mail.count("GetMessageContent"))
}

func TestArchival_ForceRestoreRefetches(t *testing.T) {
	svc, _ := newArchiverForTest(t)
	mail := newStubMail("m-1")
	handler := NewArchivalHandler(connectedCreds(), mail, svc, testLogger())

	_, err := handler.Execute(context.Background(),
		archivalJob(t, models.ArchivalPayload{MessageID: "m-1", CaseID: "c-1"}),
		(&progressRecorder{}).sink(), neverCancel)
	require.NoError(t, err)

	result, err := handler.Execute(context.Background(),
		archivalJob(t, models.ArchivalPayload{MessageID: "m-1", CaseID: "c-1", ForceRestore: true}),
		(&progressRecorder{}).sink(), neverCancel)
	require.NoError(t, err)

	var stored models.StorageResult
	require.NoError(t, json.Unmarshal(result.Data, &stored))
	assert.False(t, stored.Skipped)
	assert.Equal(t, 2, mail.count("GetMessage"))
}

func TestArchival_SkipAttachments(t *testing.T) {
	svc, _ := newArchiverForTest(t)
	mail := newStubMail("m-1")
	handler := NewArchivalHandler(connectedCreds(), mail, svc, testLogger())

	result, err := handler.Execute(context.Background(),
		archivalJob(t, models.ArchivalPayload{MessageID: "m-1", CaseID: "c-1", SkipAttachments: true}),
		(&progressRecorder{}).sink(), neverCancel)
	require.NoError(t, err)

	var stored models.StorageResult
	require.NoError(t, json.Unmarshal(result.Data, &stored))
	assert.Zero(t, stored.AttachmentsStored)
	assert.Zero(t, mail.count("ListAttachments"))
	assert.Zero(t, mail.count("GetAttachment"))
}

func TestArchival_NotConnectedFailsPrecondition(t *testing.T) {
	svc, _ := newArchiverForTest(t)
	mail := newStubMail("m-1")
	creds := credstatic.NewSource(testLogger(), []common.MailAccountConfig{
		{Tenant: "t-1", User: "ann@a.example", AccessToken: "tok", Connected: false},
	})
	handler := NewArchivalHandler(creds, mail, svc, testLogger())

	_, err := handler.Execute(context.Background(),
		archivalJob(t, models.ArchivalPayload{MessageID: "m-1", CaseID: "c-1"}),
		(&progressRecorder{}).sink(), neverCancel)
	assert.Equal(t, models.ErrKindPrecondition, errKind(t, err))
	assert.False(t, models.AsJobError(err, "").Retryable)
	assert.Zero(t, mail.count("GetMessage"))
}

func TestArchival_MissingTokenFailsAuth(t *testing.T) {
	svc, _ := newArchiverForTest(t)
	mail := newStubMail("m-1")
	creds := credstatic.NewSource(testLogger(), []common.MailAccountConfig{
		{Tenant: "t-1", User: "ann@a.example", AccessToken: "", Connected: true},
	})
	handler := NewArchivalHandler(creds, mail, svc, testLogger())

	_, err := handler.Execute(context.Background(),
		archivalJob(t, models.ArchivalPayload{MessageID: "m-1", CaseID: "c-1"}),
		(&progressRecorder{}).sink(), neverCancel)
	assert.Equal(t, models.ErrKindAuth, errKind(t, err))
}

func TestArchival_UpstreamErrorKeepsItsKind(t *testing.T) {
	svc, _ := newArchiverForTest(t)
	mail := newStubMail("m-1")
	mail.fail["GetMessage"] = models.NewJobError(models.ErrKindRateLimit, "throttled")
	handler := NewArchivalHandler(connectedCreds(), mail, svc, testLogger())

	_, err := handler.Execute(context.Background(),
		archivalJob(t, models.ArchivalPayload{MessageID: "m-1", CaseID: "c-1"}),
		(&progressRecorder{}).sink(), neverCancel)
	assert.Equal(t, models.ErrKindRateLimit, errKind(t, err))
	assert.True(t, models.AsJobError(err, "").Retryable)
}

func TestArchival_CancelBetweenSteps(t *testing.T) {
	svc, _ := newArchiverForTest(t)
	mail := newStubMail("m-1")
	handler := NewArchivalHandler(connectedCreds(), mail, svc, testLogger())
	recorder := &progressRecorder{}

	// First two polls pass, the third (before the fetch step) cancels.
	_, err := handler.Execute(context.Background(),
		archivalJob(t, models.ArchivalPayload{MessageID: "m-1", CaseID: "c-1"}),
		recorder.sink(), cancelAfter(2))
	assert.Equal(t, models.ErrKindCancelled, errKind(t, err))
	assert.Zero(t, mail.count("GetMessage"))
	assert.Equal(t, []int{0, 25}, recorder.percentages())

	archived, err := svc.HasArchive(context.Background(), "t-1", "c-1", "m-1")
	require.NoError(t, err)
	assert.False(t, archived)
}

func TestArchival_InvalidPayload(t *testing.T) {
	svc, _ := newArchiverForTest(t)
	handler := NewArchivalHandler(connectedCreds(), newStubMail("m-1"), svc, testLogger())

	_, err := handler.Execute(context.Background(),
		archivalJob(t, models.ArchivalPayload{MessageID: "", CaseID: "c-1"}),
		(&progressRecorder{}).sink(), neverCancel)
	assert.Equal(t, models.ErrKindValidation, errKind(t, err))
}
