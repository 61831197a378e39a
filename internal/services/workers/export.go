package workers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// exportSteps: collect, render, publish.
const exportSteps = 3

// Renderer turns an export manifest into artifact bytes and a content type.
type Renderer func(manifest *models.ExportManifest) ([]byte, string, error)

// exportOutcome is the result data of one export run.
type exportOutcome struct {
	ArtifactKey     string    `json:"artifact_key"`
	ObjectKey       string    `json:"object_key"`
	ByteSize        int64     `json:"byte_size"`
	ExpiresAt       time.Time `json:"expires_at"`
	EmailCount      int       `json:"email_count"`
	AttachmentCount int       `json:"attachment_count"`
}

// ExportHandler builds a case export: a manifest of archived emails with an
// attachment inventory, rendered to the requested format and published as a
// downloadable artifact with a short-lived key.
type ExportHandler struct {
	archiver  interfaces.Archiver
	exports   interfaces.ExportStore
	blobs     interfaces.BlobStore
	renderers map[string]Renderer
	expiry    time.Duration
	logger    *common.Logger
}

// NewExportHandler wires the export worker. JSON and CSV render in-process;
// PDF stays unavailable until the presentation layer registers a renderer.
func NewExportHandler(archiver interfaces.Archiver, exports interfaces.ExportStore, blobs interfaces.BlobStore, config *common.Config, logger *common.Logger) *ExportHandler {
	return &ExportHandler{
		archiver: archiver,
		exports:  exports,
		blobs:    blobs,
		renderers: map[string]Renderer{
			models.ExportFormatJSON: renderJSON,
			models.ExportFormatCSV:  renderCSV,
		},
		expiry: config.Export.GetExpiry(),
		logger: logger,
	}
}

// RegisterRenderer installs a renderer for a format, replacing any existing
// one.
func (h *ExportHandler) RegisterRenderer(format string, r Renderer) {
	h.renderers[format] = r
}

// Type returns the job type tag.
func (h *ExportHandler) Type() string { return models.JobTypeExport }

// Execute collects the archived emails of every requested case, renders the
// manifest, and publishes the artifact.
func (h *ExportHandler) Execute(ctx context.Context, job *models.Job, sink interfaces.ProgressSink, cancelled interfaces.CancelSignal) (*models.JobResult, error) {
	var payload models.ExportPayload
	if err := models.ParsePayload(job, &payload); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	renderer, ok := h.renderers[payload.Format]
	if !ok || renderer == nil {
		return nil, models.NewJobErrorf(models.ErrKindPrecondition, "no renderer registered for format %q", payload.Format)
	}

	if cancelled(ctx) {
		return nil, cancelErr()
	}
	if err := sink(ctx, stepProgress(0, 1, exportSteps, "collecting archived emails")); err != nil {
		return nil, err
	}
	manifest, attachmentTotal, err := h.collect(ctx, job.Tenant, &payload, cancelled)
	if err != nil {
		return nil, err
	}

	if cancelled(ctx) {
		return nil, cancelErr()
	}
	if err := sink(ctx, stepProgress(40, 2, exportSteps, "rendering "+payload.Format)); err != nil {
		return nil, err
	}
	rendered, contentType, err := renderer(manifest)
	if err != nil {
		return nil, models.AsJobError(err, models.ErrKindProcessing)
	}

	if cancelled(ctx) {
		return nil, cancelErr()
	}
	if err := sink(ctx, stepProgress(80, 3, exportSteps, "publishing artifact")); err != nil {
		return nil, err
	}
	blobKey := fmt.Sprintf("exports/%s/%s/export.%s", job.Tenant, job.ID, payload.Format)
	if err := h.blobs.Put(ctx, blobKey, rendered, contentType); err != nil {
		return nil, models.NewJobErrorf(models.ErrKindStorage, "failed to write export artifact: %v", err)
	}

	now := time.Now()
	artifact := &models.ExportArtifact{
		Key:             uuid.New().String(),
		Tenant:          job.Tenant,
		Format:          payload.Format,
		BlobKey:         blobKey,
		SizeBytes:       int64(len(rendered)),
		EmailCount:      len(manifest.Emails),
		AttachmentCount: attachmentTotal,
		CaseIDs:         manifest.CaseIDs,
		CreatedAt:       now,
		ExpiresAt:       now.Add(h.expiry),
	}
	if err := h.exports.SaveArtifact(ctx, artifact); err != nil {
		return nil, models.AsJobError(err, models.ErrKindStorage)
	}

	if err := sink(ctx, stepProgress(100, 3, exportSteps, "export ready")); err != nil {
		return nil, err
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("tenant", job.Tenant).
		Str("format", payload.Format).
		Str("artifact_key", artifact.Key).
		Int("emails", artifact.EmailCount).
		Int64("bytes", artifact.SizeBytes).
		Msg("Export published")

	return models.NewJobResult(exportOutcome{
		ArtifactKey:     artifact.Key,
		ObjectKey:       blobKey,
		ByteSize:        artifact.SizeBytes,
		ExpiresAt:       artifact.ExpiresAt,
		EmailCount:      artifact.EmailCount,
		AttachmentCount: artifact.AttachmentCount,
	}, models.JobMetrics{
		BytesProcessed: artifact.SizeBytes,
		ItemsProcessed: artifact.EmailCount,
		DurationMS:     time.Since(started).Milliseconds(),
	})
}

// collect builds the manifest across the requested cases. Page counts are
// resolved for PDF attachments by reading the archived bytes back.
func (h *ExportHandler) collect(ctx context.Context, tenant string, payload *models.ExportPayload, cancelled interfaces.CancelSignal) (*models.ExportManifest, int, error) {
	caseIDs := append([]string(nil), payload.CaseIDs...)
	sort.Strings(caseIDs)

	manifest := &models.ExportManifest{
		Tenant:      tenant,
		CaseIDs:     caseIDs,
		GeneratedAt: time.Now().UTC(),
		Emails:      []models.ExportEmailEntry{},
	}
	attachmentTotal := 0

	for _, caseID := range caseIDs {
		if cancelled(ctx) {
			return nil, 0, cancelErr()
		}
		records, err := h.archiver.ListEmails(ctx, tenant, caseID)
		if err != nil {
			return nil, 0, models.AsJobError(err, models.ErrKindStorage)
		}
		for _, record := range records {
			entry := models.ExportEmailEntry{
				MessageID: record.MessageID,
				CaseID:    record.CaseID,
				Subject:   record.Metadata.Subject,
				From:      formatAddress(record.Metadata.From),
			}
			if !record.Metadata.SentAt.IsZero() {
				sentAt := record.Metadata.SentAt
				entry.SentAt = &sentAt
			}
			if payload.IncludeEmails {
				entry.Bodies = record.Bodies
			}
			if payload.IncludeAttachments && len(record.Attachments) > 0 {
				entry.Attachments = h.attachmentEntries(ctx, tenant, record)
				attachmentTotal += len(entry.Attachments)
			}
			manifest.Emails = append(manifest.Emails, entry)
		}
	}
	return manifest, attachmentTotal, nil
}

// attachmentEntries builds the inventory for one email, reading the archive
// back once when it holds PDFs that need a page count.
func (h *ExportHandler) attachmentEntries(ctx context.Context, tenant string, record *models.ArchivedEmailRecord) []models.ExportAttachmentEntry {
	entries := make([]models.ExportAttachmentEntry, 0, len(record.Attachments))
	var retrieved *models.RetrievalResult

	for _, att := range record.Attachments {
		entry := models.ExportAttachmentEntry{
			ID:          att.ID,
			Name:        att.Name,
			ContentType: att.ContentType,
			Size:        att.Size,
		}
		if isPDF(att.ContentType, att.Name) {
			if retrieved == nil {
				var err error
				retrieved, err = h.archiver.Retrieve(ctx, tenant, record.CaseID, record.MessageID)
				if err != nil {
					h.logger.Warn().
						Str("message_id", record.MessageID).
						Err(err).
						Msg("Could not read archive back for page counting")
					retrieved = &models.RetrievalResult{}
				}
			}
			if pages, ok := pageCountFor(retrieved, att.ID); ok {
				entry.PageCount = pages
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

func isPDF(contentType, name string) bool {
	if strings.EqualFold(contentType, "application/pdf") {
		return true
	}
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// pageCountFor parses the retrieved attachment bytes as a PDF. Unparseable
// content yields no count rather than failing the export.
func pageCountFor(retrieved *models.RetrievalResult, attachmentID string) (int, bool) {
	for _, att := range retrieved.Content.Attachments {
		if att.ID != attachmentID || len(att.Content) == 0 {
			continue
		}
		reader, err := pdf.NewReader(bytes.NewReader(att.Content), int64(len(att.Content)))
		if err != nil {
			return 0, false
		}
		return reader.NumPage(), true
	}
	return 0, false
}

// formatAddress renders a sender for the manifest.
func formatAddress(addr models.EmailAddress) string {
	if addr.Name != "" && addr.Address != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
	}
	if addr.Address != "" {
		return addr.Address
	}
	return addr.Name
}

// renderJSON is the built-in json renderer.
func renderJSON(manifest *models.ExportManifest) ([]byte, string, error) {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// renderCSV is the built-in csv renderer: one row per email, attachment
// inventory reduced to a count.
func renderCSV(manifest *models.ExportManifest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"message_id", "case_id", "subject", "from", "sent_at", "bodies", "attachments"}
	if err := w.Write(header); err != nil {
		return nil, "", err
	}
	for _, email := range manifest.Emails {
		sentAt := ""
		if email.SentAt != nil {
			sentAt = email.SentAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			email.MessageID,
			email.CaseID,
			email.Subject,
			email.From,
			sentAt,
			strings.Join(email.Bodies, ";"),
			strconv.Itoa(len(email.Attachments)),
		}
		if err := w.Write(row); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "text/csv", nil
}

var _ interfaces.JobHandler = (*ExportHandler)(nil)
