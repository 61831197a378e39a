package models

import (
	"encoding/json"
	"time"
)

// StorageVersionCurrent is written into every archived email record so later
// layout changes can migrate old objects.
const StorageVersionCurrent = "2.0"

// EmailAddress is one mailbox participant.
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// HeaderValue holds one message header: a single value or an ordered
// multi-value list. It marshals to a bare string when single-valued.
type HeaderValue struct {
	Values []string
}

// MarshalJSON emits a string for single values and an array otherwise.
func (h HeaderValue) MarshalJSON() ([]byte, error) {
	if len(h.Values) == 1 {
		return json.Marshal(h.Values[0])
	}
	return json.Marshal(h.Values)
}

// UnmarshalJSON accepts a string or an array of strings.
func (h *HeaderValue) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		h.Values = []string{single}
		return nil
	}
	return json.Unmarshal(data, &h.Values)
}

// EmailMetadata is the canonical descriptive form of one message.
type EmailMetadata struct {
	MessageID      string              `json:"message_id"`
	Subject        string              `json:"subject"`
	From           EmailAddress        `json:"from"`
	To             []EmailAddress      `json:"to,omitempty"`
	CC             []EmailAddress      `json:"cc,omitempty"`
	BCC            []EmailAddress      `json:"bcc,omitempty"`
	SentAt         time.Time           `json:"sent_at,omitempty"`
	ReceivedAt     time.Time           `json:"received_at,omitempty"`
	Importance     string              `json:"importance,omitempty"`
	IsRead         bool                `json:"is_read"`
	IsDraft        bool                `json:"is_draft"`
	ConversationID string              `json:"conversation_id,omitempty"`
	HasAttachments bool                `json:"has_attachments"`
	Attachments    []AttachmentSummary `json:"attachments,omitempty"`
}

// AttachmentSummary is the attachment descriptor carried in email metadata.
// Its count must equal the number of attachment records stored.
type AttachmentSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"is_inline"`
}

// Attachment is one attachment with raw bytes, as fetched from upstream.
type Attachment struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ContentType     string `json:"content_type,omitempty"`
	Size            int64  `json:"size"`
	IsInline        bool   `json:"is_inline"`
	ContentID       string `json:"content_id,omitempty"`
	ContentLocation string `json:"content_location,omitempty"`
	Content         []byte `json:"-"`
}

// EmailContent carries the body forms and attachments of one message. Any
// subset of the bodies may be present.
type EmailContent struct {
	HTML        string                 `json:"html,omitempty"`
	Text        string                 `json:"text,omitempty"`
	RTF         string                 `json:"rtf,omitempty"`
	Headers     map[string]HeaderValue `json:"headers,omitempty"`
	Attachments []Attachment           `json:"attachments,omitempty"`
}

// HasBody reports whether any body form is present.
func (c *EmailContent) HasBody() bool {
	return c.HTML != "" || c.Text != "" || c.RTF != ""
}

// FetchResult is the Mail-Fetcher output for one message.
type FetchResult struct {
	Metadata EmailMetadata `json:"metadata"`
	Content  EmailContent  `json:"content"`
}

// AttachmentRecord is the per-attachment metadata.json written alongside the
// attachment bytes.
type AttachmentRecord struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	StoredName      string    `json:"stored_name"`
	ContentType     string    `json:"content_type"`
	Size            int64     `json:"size"`
	IsInline        bool      `json:"is_inline"`
	ContentID       string    `json:"content_id,omitempty"`
	ContentLocation string    `json:"content_location,omitempty"`
	StoredAt        time.Time `json:"stored_at"`
}

// ArchivedEmailRecord is the metadata.json object at the root of one archived
// message.
type ArchivedEmailRecord struct {
	MessageID      string             `json:"message_id"`
	CaseID         string             `json:"case_id"`
	Metadata       EmailMetadata      `json:"metadata"`
	Bodies         []string           `json:"bodies"` // stored body forms: "html", "text", "rtf"
	HasHeaders     bool               `json:"has_headers"`
	Attachments    []AttachmentRecord `json:"attachments,omitempty"`
	StoredAt       time.Time          `json:"stored_at"`
	StorageVersion string             `json:"storage_version"`
}

// StorageResult reports one archival write.
type StorageResult struct {
	StoragePath       string `json:"storage_path"`
	BodiesStored      int    `json:"bodies_stored"`
	AttachmentsStored int    `json:"attachments_stored"`
	BytesWritten      int64  `json:"bytes_written"`
	Skipped           bool   `json:"skipped,omitempty"` // already archived, write elided
}

// RetrievalResult is one archived email read back from object storage.
type RetrievalResult struct {
	Record  ArchivedEmailRecord `json:"record"`
	Content EmailContent        `json:"content"`
}

// CaseArchiveStats aggregates the archived objects under one case.
type CaseArchiveStats struct {
	CaseID           string `json:"case_id"`
	TotalEmails      int    `json:"total_emails"`
	TotalSize        int64  `json:"total_size"`
	TotalAttachments int    `json:"total_attachments"`
}

// CleanupReport summarizes one archive purge pass. When DryRun is set the
// counts describe what would have been removed.
type CleanupReport struct {
	Scope          string    `json:"scope"`
	Cutoff         time.Time `json:"cutoff"`
	DryRun         bool      `json:"dry_run"`
	EmailsRemoved  int       `json:"emails_removed"`
	BlobsRemoved   int       `json:"blobs_removed"`
	BytesReclaimed int64     `json:"bytes_reclaimed"`
	CasesTouched   []string  `json:"cases_touched,omitempty"`
}
