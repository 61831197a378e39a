package models

import "time"

// ExportAttachmentEntry describes one attachment inside an export manifest.
// PageCount is populated for PDF attachments only.
type ExportAttachmentEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	PageCount   int    `json:"page_count,omitempty"`
}

// ExportEmailEntry describes one archived email inside an export manifest.
type ExportEmailEntry struct {
	MessageID   string                  `json:"message_id"`
	CaseID      string                  `json:"case_id"`
	Subject     string                  `json:"subject"`
	From        string                  `json:"from,omitempty"`
	SentAt      *time.Time              `json:"sent_at,omitempty"`
	Bodies      []string                `json:"bodies,omitempty"`
	Attachments []ExportAttachmentEntry `json:"attachments,omitempty"`
}

// ExportManifest is the logical content of an export, rendered to the
// requested format by the export worker.
type ExportManifest struct {
	Tenant      string             `json:"tenant"`
	CaseIDs     []string           `json:"case_ids"`
	GeneratedAt time.Time          `json:"generated_at"`
	Emails      []ExportEmailEntry `json:"emails"`
}

// ExportArtifact records a rendered export and its short-lived download key.
type ExportArtifact struct {
	Key             string    `json:"key" badgerhold:"key"`
	Tenant          string    `json:"tenant" badgerhold:"index"`
	Format          string    `json:"format"`
	BlobKey         string    `json:"blob_key"`
	SizeBytes       int64     `json:"size_bytes"`
	EmailCount      int       `json:"email_count"`
	AttachmentCount int       `json:"attachment_count"`
	CaseIDs         []string  `json:"case_ids"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the download key has lapsed.
func (a *ExportArtifact) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
