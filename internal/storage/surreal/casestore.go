package surreal

import (
	"context"
	"fmt"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const assignmentSelectFields = "record_key as key, tenant, message_id, case_id, assigned_by, assigned_at, archive_job_id"

const artifactSelectFields = "record_key as key, tenant, format, blob_key, size_bytes, email_count, attachment_count, case_ids, created_at, expires_at"

// CaseStore implements interfaces.CaseStore and interfaces.ExportStore using
// SurrealDB.
type CaseStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewCaseStore creates a SurrealDB-backed case store.
func NewCaseStore(db *surrealdb.DB, logger *common.Logger) *CaseStore {
	return &CaseStore{db: db, logger: logger}
}

func assignmentKey(tenant, messageID string) string {
	return tenant + "\x00" + messageID
}

func (s *CaseStore) SaveAssignment(ctx context.Context, a *models.CaseAssignment) error {
	if a.Tenant == "" || a.MessageID == "" || a.CaseID == "" {
		return models.NewJobError(models.ErrKindValidation, "assignment requires tenant, message id and case id")
	}
	a.Key = assignmentKey(a.Tenant, a.MessageID)
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}

	sql := `UPSERT $rid SET record_key = $key, tenant = $tenant, message_id = $message_id,
		case_id = $case_id, assigned_by = $assigned_by, assigned_at = $assigned_at,
		archive_job_id = $archive_job_id`
	vars := map[string]any{
		"rid":            surrealmodels.NewRecordID("assignment", a.Key),
		"key":            a.Key,
		"tenant":         a.Tenant,
		"message_id":     a.MessageID,
		"case_id":        a.CaseID,
		"assigned_by":    a.AssignedBy,
		"assigned_at":    a.AssignedAt,
		"archive_job_id": a.ArchiveJobID,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save assignment for message '%s': %w", a.MessageID, err)
	}
	return nil
}

func (s *CaseStore) GetAssignment(ctx context.Context, tenant, messageID string) (*models.CaseAssignment, error) {
	sql := "SELECT " + assignmentSelectFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("assignment", assignmentKey(tenant, messageID))}
	results, err := surrealdb.Query[[]models.CaseAssignment](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch assignment for message '%s': %w", messageID, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, models.NewJobErrorf(models.ErrKindNotFound, "message '%s' has no case assignment", messageID)
	}
	a := (*results)[0].Result[0]
	return &a, nil
}

func (s *CaseStore) HasAssignment(ctx context.Context, tenant, messageID string) (bool, error) {
	_, err := s.GetAssignment(ctx, tenant, messageID)
	if err != nil {
		if models.IsErrKind(err, models.ErrKindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *CaseStore) ListByCase(ctx context.Context, tenant, caseID string) ([]*models.CaseAssignment, error) {
	sql := "SELECT " + assignmentSelectFields + " FROM assignment WHERE tenant = $tenant AND case_id = $case_id"
	vars := map[string]any{"tenant": tenant, "case_id": caseID}
	results, err := surrealdb.Query[[]models.CaseAssignment](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments for case '%s': %w", caseID, err)
	}
	var rows []*models.CaseAssignment
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			rows = append(rows, &(*results)[0].Result[i])
		}
	}
	return rows, nil
}

func (s *CaseStore) DeleteByCase(ctx context.Context, tenant, caseID string) (int, error) {
	rows, err := s.ListByCase(ctx, tenant, caseID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, a := range rows {
		vars := map[string]any{"rid": surrealmodels.NewRecordID("assignment", a.Key)}
		if _, err := surrealdb.Query[any](ctx, s.db, "DELETE $rid", vars); err != nil {
			return deleted, fmt.Errorf("failed to delete assignment '%s': %w", a.Key, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *CaseStore) SaveArtifact(ctx context.Context, artifact *models.ExportArtifact) error {
	if artifact.Key == "" || artifact.Tenant == "" {
		return models.NewJobError(models.ErrKindValidation, "artifact requires key and tenant")
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}

	sql := `UPSERT $rid SET record_key = $key, tenant = $tenant, format = $format,
		blob_key = $blob_key, size_bytes = $size_bytes, email_count = $email_count,
		attachment_count = $attachment_count, case_ids = $case_ids,
		created_at = $created_at, expires_at = $expires_at`
	vars := map[string]any{
		"rid":              surrealmodels.NewRecordID("export_artifact", artifact.Key),
		"key":              artifact.Key,
		"tenant":           artifact.Tenant,
		"format":           artifact.Format,
		"blob_key":         artifact.BlobKey,
		"size_bytes":       artifact.SizeBytes,
		"email_count":      artifact.EmailCount,
		"attachment_count": artifact.AttachmentCount,
		"case_ids":         artifact.CaseIDs,
		"created_at":       artifact.CreatedAt,
		"expires_at":       artifact.ExpiresAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save export artifact '%s': %w", artifact.Key, err)
	}
	return nil
}

func (s *CaseStore) GetArtifact(ctx context.Context, tenant, key string) (*models.ExportArtifact, error) {
	sql := "SELECT " + artifactSelectFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("export_artifact", key)}
	results, err := surrealdb.Query[[]models.ExportArtifact](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch export artifact '%s': %w", key, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, models.NewJobErrorf(models.ErrKindNotFound, "export '%s' not found", key)
	}
	artifact := (*results)[0].Result[0]
	if tenant != "" && artifact.Tenant != tenant {
		return nil, models.NewJobErrorf(models.ErrKindNotFound, "export '%s' not found", key)
	}
	return &artifact, nil
}

func (s *CaseStore) PurgeExpired(ctx context.Context, now time.Time) ([]*models.ExportArtifact, error) {
	sql := "SELECT " + artifactSelectFields + " FROM export_artifact"
	results, err := surrealdb.Query[[]models.ExportArtifact](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list export artifacts: %w", err)
	}

	var purged []*models.ExportArtifact
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			artifact := (*results)[0].Result[i]
			if !artifact.Expired(now) {
				continue
			}
			vars := map[string]any{"rid": surrealmodels.NewRecordID("export_artifact", artifact.Key)}
			if _, err := surrealdb.Query[any](ctx, s.db, "DELETE $rid", vars); err != nil {
				return purged, fmt.Errorf("failed to delete export artifact '%s': %w", artifact.Key, err)
			}
			purged = append(purged, &artifact)
		}
	}
	return purged, nil
}

// Close is a no-op; the shared connection is owned by the manager.
func (s *CaseStore) Close() error {
	return nil
}

// Compile-time checks
var (
	_ interfaces.CaseStore   = (*CaseStore)(nil)
	_ interfaces.ExportStore = (*CaseStore)(nil)
)
