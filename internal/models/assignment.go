package models

import "time"

// CaseAssignment links an email to a case within a tenant. Bulk assignment
// writes one per email; the skip-existing pass checks for prior rows.
type CaseAssignment struct {
	Key          string    `json:"key" badgerhold:"key"`
	Tenant       string    `json:"tenant" badgerhold:"index"`
	MessageID    string    `json:"message_id"`
	CaseID       string    `json:"case_id" badgerhold:"index"`
	AssignedBy   string    `json:"assigned_by"`
	AssignedAt   time.Time `json:"assigned_at"`
	ArchiveJobID string    `json:"archive_job_id,omitempty"`
}
