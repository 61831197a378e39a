package workers

import (
	"context"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// archivalSteps is the checkpoint count of one archival run: verify the
// account, resolve credentials, fetch the message, archive it.
const archivalSteps = 4

// ArchivalHandler fetches one email from the upstream mail server and
// persists it into the case archive.
type ArchivalHandler struct {
	creds    interfaces.CredentialSource
	mail     interfaces.MailClient
	archiver interfaces.Archiver
	logger   *common.Logger
}

// NewArchivalHandler wires the email-archival worker.
func NewArchivalHandler(creds interfaces.CredentialSource, mail interfaces.MailClient, archiver interfaces.Archiver, logger *common.Logger) *ArchivalHandler {
	return &ArchivalHandler{creds: creds, mail: mail, archiver: archiver, logger: logger}
}

// Type returns the job type tag.
func (h *ArchivalHandler) Type() string { return models.JobTypeEmailArchival }

// Execute runs the four archival steps, checking for cancellation before
// each one. An already-archived message skips the upstream fetch entirely
// unless the payload forces a restore.
func (h *ArchivalHandler) Execute(ctx context.Context, job *models.Job, sink interfaces.ProgressSink, cancelled interfaces.CancelSignal) (*models.JobResult, error) {
	var payload models.ArchivalPayload
	if err := models.ParsePayload(job, &payload); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	if cancelled(ctx) {
		return nil, cancelErr()
	}
	if err := sink(ctx, stepProgress(0, 1, archivalSteps, "verifying mail account")); err != nil {
		return nil, err
	}
	connected, err := h.creds.Connected(ctx, job.Tenant, job.User)
	if err != nil {
		return nil, models.AsJobError(err, models.ErrKindUpstreamTransient)
	}
	if !connected {
		return nil, models.NewJobErrorf(models.ErrKindPrecondition,
			"mail account for user '%s' in tenant '%s' is not connected", job.User, job.Tenant)
	}

	if cancelled(ctx) {
		return nil, cancelErr()
	}
	if err := sink(ctx, stepProgress(25, 2, archivalSteps, "resolving credentials")); err != nil {
		return nil, err
	}
	creds, err := h.creds.Lookup(ctx, job.Tenant, job.User)
	if err != nil {
		return nil, models.AsJobError(err, models.ErrKindAuth)
	}

	if cancelled(ctx) {
		return nil, cancelErr()
	}
	if err := sink(ctx, stepProgress(50, 3, archivalSteps, "fetching message")); err != nil {
		return nil, err
	}
	fetched := &models.FetchResult{Metadata: models.EmailMetadata{MessageID: payload.MessageID}}
	archived := false
	if !payload.ForceRestore {
		archived, err = h.archiver.HasArchive(ctx, job.Tenant, payload.CaseID, payload.MessageID)
		if err != nil {
			return nil, models.AsJobError(err, models.ErrKindStorage)
		}
	}
	if !archived {
		fetched, err = h.fetch(ctx, *creds, &payload, cancelled)
		if err != nil {
			return nil, err
		}
	}

	if cancelled(ctx) {
		return nil, cancelErr()
	}
	if err := sink(ctx, stepProgress(75, 4, archivalSteps, "archiving")); err != nil {
		return nil, err
	}
	stored, err := h.archiver.Store(ctx, job.Tenant, payload.CaseID, fetched, interfaces.ArchiveOptions{
		ForceRestore:    payload.ForceRestore,
		SkipAttachments: payload.SkipAttachments,
	})
	if err != nil {
		return nil, models.AsJobError(err, models.ErrKindStorage)
	}

	if err := sink(ctx, stepProgress(100, 4, archivalSteps, "archived")); err != nil {
		return nil, err
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("tenant", job.Tenant).
		Str("message_id", payload.MessageID).
		Str("case_id", payload.CaseID).
		Bool("skipped", stored.Skipped).
		Int64("bytes", stored.BytesWritten).
		Msg("Email archived")

	return models.NewJobResult(stored, models.JobMetrics{
		BytesProcessed: stored.BytesWritten,
		ItemsProcessed: 1,
		DurationMS:     time.Since(started).Milliseconds(),
	})
}

// fetch pulls metadata, bodies, and attachment content for one message.
// Attachment listings may omit bytes for large items; those are fetched
// individually, with a cancel check before each call.
func (h *ArchivalHandler) fetch(ctx context.Context, creds interfaces.MailCredentials, payload *models.ArchivalPayload, cancelled interfaces.CancelSignal) (*models.FetchResult, error) {
	meta, err := h.mail.GetMessage(ctx, creds, payload.MessageID)
	if err != nil {
		return nil, models.AsJobError(err, models.ErrKindUpstreamTransient)
	}
	content, err := h.mail.GetMessageContent(ctx, creds, payload.MessageID)
	if err != nil {
		return nil, models.AsJobError(err, models.ErrKindUpstreamTransient)
	}

	if !payload.SkipAttachments && meta.HasAttachments {
		listed, err := h.mail.ListAttachments(ctx, creds, payload.MessageID)
		if err != nil {
			return nil, models.AsJobError(err, models.ErrKindUpstreamTransient)
		}
		content.Attachments = make([]models.Attachment, 0, len(listed))
		summaries := make([]models.AttachmentSummary, 0, len(listed))
		for _, att := range listed {
			if cancelled(ctx) {
				return nil, cancelErr()
			}
			if len(att.Content) == 0 {
				att, err = h.mail.GetAttachment(ctx, creds, payload.MessageID, att.ID)
				if err != nil {
					return nil, models.AsJobError(err, models.ErrKindUpstreamTransient)
				}
			}
			content.Attachments = append(content.Attachments, *att)
			summaries = append(summaries, models.AttachmentSummary{
				ID:          att.ID,
				Name:        att.Name,
				ContentType: att.ContentType,
				Size:        att.Size,
				IsInline:    att.IsInline,
			})
		}
		meta.Attachments = summaries
	}

	return &models.FetchResult{Metadata: *meta, Content: *content}, nil
}

var _ interfaces.JobHandler = (*ArchivalHandler)(nil)
