package models

import (
	"encoding/json"
	"fmt"
)

// Payload schemas, one per job type. The queue validates shape at enqueue;
// handlers re-parse at execution. Tenant and user ride on the job row itself,
// not inside payloads.

// ArchivalPayload drives the email-archival worker.
type ArchivalPayload struct {
	MessageID       string `json:"message_id"`
	CaseID          string `json:"case_id"`
	ForceRestore    bool   `json:"force_restore,omitempty"`
	SkipAttachments bool   `json:"skip_attachments,omitempty"`
}

// Validate checks required fields.
func (p *ArchivalPayload) Validate() error {
	if p.MessageID == "" {
		return NewJobError(ErrKindValidation, "archival payload requires message_id")
	}
	if p.CaseID == "" {
		return NewJobError(ErrKindValidation, "archival payload requires case_id")
	}
	return nil
}

// BulkAssignmentPayload drives the bulk-assignment worker.
type BulkAssignmentPayload struct {
	EmailIDs     []string `json:"email_ids"`
	CaseID       string   `json:"case_id"`
	BatchSize    int      `json:"batch_size,omitempty"`
	SkipExisting *bool    `json:"skip_existing,omitempty"`
}

// Validate checks required fields.
func (p *BulkAssignmentPayload) Validate() error {
	if len(p.EmailIDs) == 0 {
		return NewJobError(ErrKindValidation, "bulk-assignment payload requires email_ids")
	}
	if p.CaseID == "" {
		return NewJobError(ErrKindValidation, "bulk-assignment payload requires case_id")
	}
	if p.BatchSize < 0 {
		return NewJobError(ErrKindValidation, "bulk-assignment batch_size must not be negative")
	}
	return nil
}

// EffectiveBatchSize returns the batch size, defaulting to 10.
func (p *BulkAssignmentPayload) EffectiveBatchSize() int {
	if p.BatchSize <= 0 {
		return 10
	}
	return p.BatchSize
}

// EffectiveSkipExisting returns the skip-existing flag, defaulting to true.
func (p *BulkAssignmentPayload) EffectiveSkipExisting() bool {
	if p.SkipExisting == nil {
		return true
	}
	return *p.SkipExisting
}

// Cleanup scope constant: reap across every case of the tenant.
const CleanupScopeAll = "all"

// CleanupPayload drives the storage-cleanup worker. TargetScope is a case id
// or "all".
type CleanupPayload struct {
	TargetScope  string `json:"target_scope"`
	CleanupAgeMS int64  `json:"cleanup_age_ms,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
}

// Validate checks required fields.
func (p *CleanupPayload) Validate() error {
	if p.TargetScope == "" {
		return NewJobError(ErrKindValidation, "storage-cleanup payload requires target_scope")
	}
	if p.CleanupAgeMS < 0 {
		return NewJobError(ErrKindValidation, "storage-cleanup cleanup_age_ms must not be negative")
	}
	return nil
}

// Export format constants.
const (
	ExportFormatJSON = "json"
	ExportFormatCSV  = "csv"
	ExportFormatPDF  = "pdf"
)

// ExportPayload drives the export worker.
type ExportPayload struct {
	CaseIDs            []string `json:"case_ids"`
	Format             string   `json:"format"`
	IncludeEmails      bool     `json:"include_emails,omitempty"`
	IncludeAttachments bool     `json:"include_attachments,omitempty"`
}

// Validate checks required fields and the closed format set.
func (p *ExportPayload) Validate() error {
	if len(p.CaseIDs) == 0 {
		return NewJobError(ErrKindValidation, "export payload requires case_ids")
	}
	switch p.Format {
	case ExportFormatJSON, ExportFormatCSV, ExportFormatPDF:
	default:
		return NewJobErrorf(ErrKindValidation, "export format %q not one of json, csv, pdf", p.Format)
	}
	return nil
}

// AnalysisPayload is the content-analysis pass-through shape.
type AnalysisPayload struct {
	CaseID     string   `json:"case_id,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// Validate accepts any analysis shape.
func (p *AnalysisPayload) Validate() error { return nil }

// MaintenancePayload is the maintenance pass-through shape.
type MaintenancePayload struct {
	Task string `json:"task,omitempty"`
}

// Validate accepts any maintenance shape.
func (p *MaintenancePayload) Validate() error { return nil }

// ValidatePayload parses and validates a raw payload against the schema for
// the given job type. Unknown types and malformed JSON return VALIDATION
// errors.
func ValidatePayload(jobType string, raw json.RawMessage) error {
	parse := func(v interface{ Validate() error }) error {
		if len(raw) == 0 {
			return NewJobErrorf(ErrKindValidation, "%s payload is required", jobType)
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return NewJobErrorf(ErrKindValidation, "malformed %s payload: %v", jobType, err)
		}
		return v.Validate()
	}

	switch jobType {
	case JobTypeEmailArchival:
		return parse(&ArchivalPayload{})
	case JobTypeBulkAssignment:
		return parse(&BulkAssignmentPayload{})
	case JobTypeStorageCleanup:
		return parse(&CleanupPayload{})
	case JobTypeExport:
		return parse(&ExportPayload{})
	case JobTypeContentAnalysis:
		if len(raw) == 0 {
			return nil
		}
		return parse(&AnalysisPayload{})
	case JobTypeMaintenance:
		if len(raw) == 0 {
			return nil
		}
		return parse(&MaintenancePayload{})
	default:
		return NewJobErrorf(ErrKindValidation, "unknown job type %q", jobType)
	}
}

// ParsePayload unmarshals a job's payload into dst, wrapping failures as
// VALIDATION errors.
func ParsePayload(job *Job, dst interface{}) error {
	if len(job.Payload) == 0 {
		return NewJobErrorf(ErrKindValidation, "%s job %s has no payload", job.Type, job.ID)
	}
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return NewJobError(ErrKindValidation, fmt.Sprintf("malformed %s payload: %v", job.Type, err))
	}
	return nil
}
