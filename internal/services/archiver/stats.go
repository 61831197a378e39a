package archiver

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// CaseStats aggregates archive counts and sizes for one case. Counts derive
// from object names alone; no record is read back.
func (s *Service) CaseStats(ctx context.Context, tenant, caseID string) (*models.CaseArchiveStats, error) {
	cp, err := casePrefix(tenant, caseID)
	if err != nil {
		return nil, err
	}
	prefix := cp + "/emails/"

	blobs, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, models.NewJobErrorf(models.ErrKindStorage, "failed to list case %s: %v", caseID, err)
	}

	stats := &models.CaseArchiveStats{CaseID: caseID}
	for _, blob := range blobs {
		stats.TotalSize += blob.Size
		parts := strings.Split(strings.TrimPrefix(blob.Key, prefix), "/")
		switch {
		case len(parts) == 2 && parts[1] == metadataObject:
			stats.TotalEmails++
		case len(parts) == 4 && parts[1] == "attachments" && parts[3] == metadataObject:
			stats.TotalAttachments++
		}
	}
	return stats, nil
}

// ListCases returns every case id that has at least one archived object for
// the tenant, sorted.
func (s *Service) ListCases(ctx context.Context, tenant string) ([]string, error) {
	tp, err := tenantPrefix(tenant)
	if err != nil {
		return nil, err
	}
	prefix := tp + "/cases/"

	blobs, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, models.NewJobErrorf(models.ErrKindStorage, "failed to list cases for %s: %v", tenant, err)
	}

	seen := make(map[string]bool)
	for _, blob := range blobs {
		rel := strings.TrimPrefix(blob.Key, prefix)
		if i := strings.IndexByte(rel, '/'); i > 0 {
			seen[rel[:i]] = true
		}
	}
	cases := make([]string, 0, len(seen))
	for id := range seen {
		cases = append(cases, id)
	}
	sort.Strings(cases)
	return cases, nil
}

// ListEmails loads the archive record of every email under one case, sorted
// by message id. Objects without a readable record are skipped.
func (s *Service) ListEmails(ctx context.Context, tenant, caseID string) ([]*models.ArchivedEmailRecord, error) {
	cp, err := casePrefix(tenant, caseID)
	if err != nil {
		return nil, err
	}
	prefix := cp + "/emails/"

	blobs, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, models.NewJobErrorf(models.ErrKindStorage, "failed to list case %s: %v", caseID, err)
	}

	records := make([]*models.ArchivedEmailRecord, 0)
	for _, blob := range blobs {
		parts := strings.Split(strings.TrimPrefix(blob.Key, prefix), "/")
		if len(parts) != 2 || parts[1] != metadataObject {
			continue
		}
		data, _, err := s.blobs.Get(ctx, blob.Key)
		if err != nil {
			s.logger.Warn().Str("key", blob.Key).Err(err).Msg("Skipping unreadable archive record")
			continue
		}
		var record models.ArchivedEmailRecord
		if err := json.Unmarshal(data, &record); err != nil {
			s.logger.Warn().Str("key", blob.Key).Err(err).Msg("Skipping corrupt archive record")
			continue
		}
		records = append(records, &record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].MessageID < records[j].MessageID
	})
	return records, nil
}

// Purge removes archived emails stored before cutoff. Scope is one case id
// or "all" for every case of the tenant. With dryRun set the report counts
// what a real pass would remove, using the same candidate rule.
func (s *Service) Purge(ctx context.Context, tenant, scope string, cutoff time.Time, dryRun bool) (*models.CleanupReport, error) {
	if scope == "" {
		return nil, models.NewJobError(models.ErrKindValidation, "cleanup scope is required")
	}

	var cases []string
	if scope == models.CleanupScopeAll {
		all, err := s.ListCases(ctx, tenant)
		if err != nil {
			return nil, err
		}
		cases = all
	} else {
		cases = []string{scope}
	}

	report := &models.CleanupReport{Scope: scope, Cutoff: cutoff, DryRun: dryRun}
	for _, caseID := range cases {
		touched, err := s.purgeCase(ctx, tenant, caseID, cutoff, dryRun, report)
		if err != nil {
			return nil, err
		}
		if touched {
			report.CasesTouched = append(report.CasesTouched, caseID)
		}
	}
	sort.Strings(report.CasesTouched)

	s.logger.Info().
		Str("tenant", tenant).
		Str("scope", scope).
		Bool("dry_run", dryRun).
		Int("emails", report.EmailsRemoved).
		Int64("bytes", report.BytesReclaimed).
		Msg("Archive purge pass finished")
	return report, nil
}

func (s *Service) purgeCase(ctx context.Context, tenant, caseID string, cutoff time.Time, dryRun bool, report *models.CleanupReport) (bool, error) {
	cp, err := casePrefix(tenant, caseID)
	if err != nil {
		return false, err
	}
	prefix := cp + "/emails/"

	blobs, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return false, models.NewJobErrorf(models.ErrKindStorage, "failed to list case %s: %v", caseID, err)
	}

	// Group the case's objects by message segment.
	emails := make(map[string][]interfaces.BlobInfo)
	for _, blob := range blobs {
		rel := strings.TrimPrefix(blob.Key, prefix)
		i := strings.IndexByte(rel, '/')
		if i <= 0 {
			continue
		}
		emails[rel[:i]] = append(emails[rel[:i]], blob)
	}

	touched := false
	for messageSeg, objects := range emails {
		root := prefix + messageSeg
		if !s.storedBefore(ctx, root, objects, cutoff) {
			continue
		}

		if dryRun {
			for _, blob := range objects {
				report.BlobsRemoved++
				report.BytesReclaimed += blob.Size
			}
		} else {
			count, bytes, err := s.blobs.DeletePrefix(ctx, root+"/")
			if err != nil {
				return touched, models.NewJobErrorf(models.ErrKindStorage, "failed to purge %s: %v", root, err)
			}
			report.BlobsRemoved += count
			report.BytesReclaimed += bytes
		}
		report.EmailsRemoved++
		touched = true
	}
	return touched, nil
}

// storedBefore reports whether the email at root predates cutoff, preferring
// the record's stored_at and falling back to the newest object timestamp when
// the record is absent or unreadable.
func (s *Service) storedBefore(ctx context.Context, root string, objects []interfaces.BlobInfo, cutoff time.Time) bool {
	if data, _, err := s.blobs.Get(ctx, root+"/"+metadataObject); err == nil {
		var record models.ArchivedEmailRecord
		if err := json.Unmarshal(data, &record); err == nil && !record.StoredAt.IsZero() {
			return record.StoredAt.Before(cutoff)
		}
	}
	var newest time.Time
	for _, blob := range objects {
		if blob.ModifiedAt.After(newest) {
			newest = blob.ModifiedAt
		}
	}
	return newest.Before(cutoff)
}
