// Package archiver persists fetched emails into case-centric blob storage.
// One archived message occupies a deterministic layout under
// tenants/{tenant}/cases/{caseId}/emails/{messageId}/: a metadata.json
// record, the body forms that existed upstream, an optional headers.json,
// and one directory per attachment holding the raw bytes plus a metadata
// sidecar.
package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
	"github.com/casekit/docket/internal/storage"
)

const (
	metadataObject = "metadata.json"
	headersObject  = "headers.json"
)

// bodyForms maps each stored body form to its object name and content type.
var bodyForms = []struct {
	form        string
	object      string
	contentType string
	value       func(c *models.EmailContent) string
	assign      func(c *models.EmailContent, v string)
}{
	{"html", "content.html", "text/html", func(c *models.EmailContent) string { return c.HTML }, func(c *models.EmailContent, v string) { c.HTML = v }},
	{"text", "content.txt", "text/plain", func(c *models.EmailContent) string { return c.Text }, func(c *models.EmailContent, v string) { c.Text = v }},
	{"rtf", "content.rtf", "application/rtf", func(c *models.EmailContent) string { return c.RTF }, func(c *models.EmailContent, v string) { c.RTF = v }},
}

// Service implements interfaces.Archiver over a BlobStore.
type Service struct {
	blobs  interfaces.BlobStore
	logger *common.Logger
}

// NewService creates the archiver.
func NewService(blobs interfaces.BlobStore, logger *common.Logger) *Service {
	return &Service{blobs: blobs, logger: logger}
}

func tenantPrefix(tenant string) (string, error) {
	t, err := sanitizeSegment(tenant)
	if err != nil {
		return "", err
	}
	return "tenants/" + t, nil
}

func casePrefix(tenant, caseID string) (string, error) {
	tp, err := tenantPrefix(tenant)
	if err != nil {
		return "", err
	}
	c, err := sanitizeSegment(caseID)
	if err != nil {
		return "", err
	}
	return tp + "/cases/" + c, nil
}

func emailRoot(tenant, caseID, messageID string) (string, error) {
	cp, err := casePrefix(tenant, caseID)
	if err != nil {
		return "", err
	}
	m, err := sanitizeSegment(messageID)
	if err != nil {
		return "", err
	}
	return cp + "/emails/" + m, nil
}

// Store writes one fetched email under its case. An existing archive is left
// untouched unless ForceRestore is set, in which case the whole record is
// replaced.
func (s *Service) Store(ctx context.Context, tenant, caseID string, fetched *models.FetchResult, opts interfaces.ArchiveOptions) (*models.StorageResult, error) {
	if fetched == nil {
		return nil, models.NewJobError(models.ErrKindValidation, "fetched email is required")
	}
	messageID := fetched.Metadata.MessageID
	if messageID == "" {
		return nil, models.NewJobError(models.ErrKindValidation, "fetched email has no message id")
	}

	root, err := emailRoot(tenant, caseID, messageID)
	if err != nil {
		return nil, err
	}
	metaKey := root + "/" + metadataObject

	exists, err := s.blobs.Exists(ctx, metaKey)
	if err != nil {
		return nil, models.NewJobErrorf(models.ErrKindStorage, "failed to probe archive %s: %v", root, err)
	}
	if exists {
		if !opts.ForceRestore {
			s.logger.Debug().Str("path", root).Msg("Archive exists, write skipped")
			return &models.StorageResult{StoragePath: root, Skipped: true}, nil
		}
		// A restore replaces the whole record so stale objects from an
		// earlier shape cannot linger.
		if _, _, err := s.blobs.DeletePrefix(ctx, root+"/"); err != nil {
			return nil, models.NewJobErrorf(models.ErrKindStorage, "failed to clear archive %s: %v", root, err)
		}
	}

	result := &models.StorageResult{StoragePath: root}
	put := func(key string, data []byte, contentType string) error {
		if err := s.blobs.Put(ctx, key, data, contentType); err != nil {
			return models.NewJobErrorf(models.ErrKindStorage, "failed to write %s: %v", key, err)
		}
		result.BytesWritten += int64(len(data))
		return nil
	}

	record := models.ArchivedEmailRecord{
		MessageID:      messageID,
		CaseID:         caseID,
		Metadata:       fetched.Metadata,
		StoredAt:       time.Now().UTC(),
		StorageVersion: models.StorageVersionCurrent,
	}

	for _, form := range bodyForms {
		body := form.value(&fetched.Content)
		if body == "" {
			continue
		}
		if err := put(root+"/"+form.object, []byte(body), form.contentType); err != nil {
			return nil, err
		}
		record.Bodies = append(record.Bodies, form.form)
		result.BodiesStored++
	}

	if len(fetched.Content.Headers) > 0 {
		data, err := json.MarshalIndent(fetched.Content.Headers, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal headers for %s: %w", messageID, err)
		}
		if err := put(root+"/"+headersObject, data, "application/json"); err != nil {
			return nil, err
		}
		record.HasHeaders = true
	}

	if !opts.SkipAttachments {
		for i := range fetched.Content.Attachments {
			att := &fetched.Content.Attachments[i]
			attRecord, err := s.storeAttachment(ctx, root, att, put)
			if err != nil {
				return nil, err
			}
			record.Attachments = append(record.Attachments, *attRecord)
			result.AttachmentsStored++
		}
	}

	// The record goes in last: an archive without metadata.json reads as
	// absent, so a crashed write replays cleanly.
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal archive record for %s: %w", messageID, err)
	}
	if err := put(metaKey, data, "application/json"); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("tenant", tenant).
		Str("case_id", caseID).
		Str("message_id", messageID).
		Int("bodies", result.BodiesStored).
		Int("attachments", result.AttachmentsStored).
		Int64("bytes", result.BytesWritten).
		Msg("Email archived")
	return result, nil
}

func (s *Service) storeAttachment(ctx context.Context, root string, att *models.Attachment, put func(string, []byte, string) error) (*models.AttachmentRecord, error) {
	if att.ID == "" {
		return nil, models.NewJobError(models.ErrKindValidation, "attachment has no id")
	}
	id, err := sanitizeSegment(att.ID)
	if err != nil {
		return nil, err
	}
	name := att.Name
	if name == "" {
		name = "attachment"
	}
	storedName, err := sanitizeSegment(name)
	if err != nil {
		return nil, err
	}
	if storedName == metadataObject {
		// The sidecar owns that object name within the attachment dir.
		storedName = "_" + storedName
	}

	attDir := root + "/attachments/" + id
	if err := put(attDir+"/"+storedName, att.Content, attachmentContentType(att.ContentType)); err != nil {
		return nil, err
	}

	record := &models.AttachmentRecord{
		ID:              att.ID,
		Name:            att.Name,
		StoredName:      storedName,
		ContentType:     attachmentContentType(att.ContentType),
		Size:            int64(len(att.Content)),
		IsInline:        att.IsInline,
		ContentID:       att.ContentID,
		ContentLocation: att.ContentLocation,
		StoredAt:        time.Now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attachment record %s: %w", att.ID, err)
	}
	if err := put(attDir+"/"+metadataObject, data, "application/json"); err != nil {
		return nil, err
	}
	return record, nil
}

// Retrieve loads an archived email record with its content.
func (s *Service) Retrieve(ctx context.Context, tenant, caseID, messageID string) (*models.RetrievalResult, error) {
	root, err := emailRoot(tenant, caseID, messageID)
	if err != nil {
		return nil, err
	}

	data, _, err := s.blobs.Get(ctx, root+"/"+metadataObject)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, models.NewJobErrorf(models.ErrKindNotFound,
				"email %q is not archived for case %q", messageID, caseID)
		}
		return nil, models.NewJobErrorf(models.ErrKindStorage, "failed to read archive %s: %v", root, err)
	}

	var record models.ArchivedEmailRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, models.NewJobErrorf(models.ErrKindStorage, "corrupt archive record at %s: %v", root, err)
	}

	result := &models.RetrievalResult{Record: record}
	for _, form := range bodyForms {
		if !containsForm(record.Bodies, form.form) {
			continue
		}
		body, _, err := s.blobs.Get(ctx, root+"/"+form.object)
		if err != nil {
			return nil, models.NewJobErrorf(models.ErrKindStorage,
				"archive %s names a %s body that cannot be read: %v", root, form.form, err)
		}
		form.assign(&result.Content, string(body))
	}

	if record.HasHeaders {
		data, _, err := s.blobs.Get(ctx, root+"/"+headersObject)
		if err != nil {
			return nil, models.NewJobErrorf(models.ErrKindStorage, "failed to read headers at %s: %v", root, err)
		}
		if err := json.Unmarshal(data, &result.Content.Headers); err != nil {
			return nil, models.NewJobErrorf(models.ErrKindStorage, "corrupt headers at %s: %v", root, err)
		}
	}

	for _, attRecord := range record.Attachments {
		id, err := sanitizeSegment(attRecord.ID)
		if err != nil {
			return nil, err
		}
		key := root + "/attachments/" + id + "/" + attRecord.StoredName
		content, _, err := s.blobs.Get(ctx, key)
		if err != nil {
			return nil, models.NewJobErrorf(models.ErrKindStorage,
				"archive %s names attachment %s that cannot be read: %v", root, attRecord.ID, err)
		}
		result.Content.Attachments = append(result.Content.Attachments, models.Attachment{
			ID:              attRecord.ID,
			Name:            attRecord.Name,
			ContentType:     attRecord.ContentType,
			Size:            attRecord.Size,
			IsInline:        attRecord.IsInline,
			ContentID:       attRecord.ContentID,
			ContentLocation: attRecord.ContentLocation,
			Content:         content,
		})
	}

	return result, nil
}

func containsForm(forms []string, form string) bool {
	for _, f := range forms {
		if f == form {
			return true
		}
	}
	return false
}

// HasArchive reports whether an email is already archived for a case.
func (s *Service) HasArchive(ctx context.Context, tenant, caseID, messageID string) (bool, error) {
	root, err := emailRoot(tenant, caseID, messageID)
	if err != nil {
		return false, err
	}
	return s.blobs.Exists(ctx, root+"/"+metadataObject)
}

// Delete removes one archived email entirely.
func (s *Service) Delete(ctx context.Context, tenant, caseID, messageID string) error {
	root, err := emailRoot(tenant, caseID, messageID)
	if err != nil {
		return err
	}
	if _, _, err := s.blobs.DeletePrefix(ctx, root+"/"); err != nil {
		return models.NewJobErrorf(models.ErrKindStorage, "failed to delete archive %s: %v", root, err)
	}
	return nil
}

var _ interfaces.Archiver = (*Service)(nil)
