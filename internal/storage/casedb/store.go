// Package casedb implements case assignment and export artifact persistence
// using BadgerHold.
package casedb

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// kvSep is the composite key separator for assignment records. A null byte
// keeps tenant and message id segments from colliding.
const kvSep = "\x00"

// Store implements interfaces.CaseStore and interfaces.ExportStore on a
// shared BadgerHold database.
type Store struct {
	db     *badgerhold.Store
	logger *common.Logger
}

// NewStore opens (or creates) the case database at the given path.
func NewStore(logger *common.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create case db path %s: %w", path, err)
	}
	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil
	db, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open case db at %s: %w", path, err)
	}
	logger.Info().Str("path", path).Msg("CaseDB opened")
	return &Store{db: db, logger: logger}, nil
}

// --- Assignments ---

func assignmentKey(tenant, messageID string) string {
	return tenant + kvSep + messageID
}

func (s *Store) SaveAssignment(_ context.Context, a *models.CaseAssignment) error {
	if a.Tenant == "" || a.MessageID == "" || a.CaseID == "" {
		return models.NewJobError(models.ErrKindValidation, "assignment requires tenant, message_id and case_id")
	}
	a.Key = assignmentKey(a.Tenant, a.MessageID)
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	if err := s.db.Upsert(a.Key, a); err != nil {
		return fmt.Errorf("failed to save assignment '%s': %w", a.MessageID, err)
	}
	return nil
}

func (s *Store) GetAssignment(_ context.Context, tenant, messageID string) (*models.CaseAssignment, error) {
	var a models.CaseAssignment
	if err := s.db.Get(assignmentKey(tenant, messageID), &a); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewJobErrorf(models.ErrKindNotFound, "no assignment for message '%s'", messageID)
		}
		return nil, fmt.Errorf("failed to get assignment '%s': %w", messageID, err)
	}
	return &a, nil
}

func (s *Store) HasAssignment(_ context.Context, tenant, messageID string) (bool, error) {
	var a models.CaseAssignment
	err := s.db.Get(assignmentKey(tenant, messageID), &a)
	if err == nil {
		return true, nil
	}
	if err == badgerhold.ErrNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to check assignment '%s': %w", messageID, err)
}

func (s *Store) ListByCase(_ context.Context, tenant, caseID string) ([]*models.CaseAssignment, error) {
	var rows []models.CaseAssignment
	query := badgerhold.Where("CaseID").Eq(caseID).Index("CaseID").And("Tenant").Eq(tenant)
	if err := s.db.Find(&rows, query); err != nil {
		return nil, fmt.Errorf("failed to list assignments for case '%s': %w", caseID, err)
	}
	out := make([]*models.CaseAssignment, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *Store) DeleteByCase(ctx context.Context, tenant, caseID string) (int, error) {
	rows, err := s.ListByCase(ctx, tenant, caseID)
	if err != nil {
		return 0, err
	}
	for _, a := range rows {
		if err := s.db.Delete(a.Key, models.CaseAssignment{}); err != nil && err != badgerhold.ErrNotFound {
			return 0, fmt.Errorf("failed to delete assignment '%s': %w", a.MessageID, err)
		}
	}
	return len(rows), nil
}

// --- Export artifacts ---

func (s *Store) SaveArtifact(_ context.Context, artifact *models.ExportArtifact) error {
	if artifact.Key == "" || artifact.Tenant == "" {
		return models.NewJobError(models.ErrKindValidation, "artifact requires key and tenant")
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}
	if err := s.db.Upsert(artifact.Key, artifact); err != nil {
		return fmt.Errorf("failed to save export artifact '%s': %w", artifact.Key, err)
	}
	return nil
}

func (s *Store) GetArtifact(_ context.Context, tenant, key string) (*models.ExportArtifact, error) {
	var artifact models.ExportArtifact
	if err := s.db.Get(key, &artifact); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewJobErrorf(models.ErrKindNotFound, "export '%s' not found", key)
		}
		return nil, fmt.Errorf("failed to get export artifact '%s': %w", key, err)
	}
	if tenant != "" && artifact.Tenant != tenant {
		return nil, models.NewJobErrorf(models.ErrKindNotFound, "export '%s' not found", key)
	}
	return &artifact, nil
}

func (s *Store) PurgeExpired(_ context.Context, now time.Time) ([]*models.ExportArtifact, error) {
	var rows []models.ExportArtifact
	if err := s.db.Find(&rows, nil); err != nil {
		return nil, fmt.Errorf("failed to scan export artifacts: %w", err)
	}

	var removed []*models.ExportArtifact
	for i := range rows {
		if !rows[i].Expired(now) {
			continue
		}
		if err := s.db.Delete(rows[i].Key, models.ExportArtifact{}); err != nil && err != badgerhold.ErrNotFound {
			return removed, fmt.Errorf("failed to purge export artifact '%s': %w", rows[i].Key, err)
		}
		removed = append(removed, &rows[i])
	}
	if len(removed) > 0 {
		s.logger.Debug().Int("count", len(removed)).Msg("Expired export artifacts purged")
	}
	return removed, nil
}

// Close shuts down the BadgerHold database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time checks
var (
	_ interfaces.CaseStore   = (*Store)(nil)
	_ interfaces.ExportStore = (*Store)(nil)
)
