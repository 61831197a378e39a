// Package storage provides the top-level StorageManager that coordinates
// the 3 storage areas: job records, case records, and the blob archive.
package storage

import (
	"context"
	"fmt"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/storage/casedb"
	"github.com/casekit/docket/internal/storage/jobdb"
	"github.com/casekit/docket/internal/storage/surreal"
	"github.com/surrealdb/surrealdb.go"
)

// Manager implements interfaces.StorageManager. The job and case stores are
// engine-specific; the blob archive is always file-backed.
type Manager struct {
	jobs    interfaces.JobStore
	cases   interfaces.CaseStore
	exports interfaces.ExportStore
	blobs   *FileBlobStore
	logger  *common.Logger

	dataPath string
	db       *surrealdb.DB // set only for the surreal engine
}

// newBadgerManager wires the embedded BadgerHold stores.
func newBadgerManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	jobStore, err := jobdb.NewStore(logger, config.Storage.Job.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create job store: %w", err)
	}

	caseStore, err := casedb.NewStore(logger, config.Storage.Case.Path)
	if err != nil {
		jobStore.Close()
		return nil, fmt.Errorf("failed to create case store: %w", err)
	}

	blobStore, err := NewFileBlobStore(logger, config.Storage.Blob.Path)
	if err != nil {
		jobStore.Close()
		caseStore.Close()
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	logger.Info().
		Str("engine", EngineBadger).
		Str("jobs", config.Storage.Job.Path).
		Str("cases", config.Storage.Case.Path).
		Str("blobs", config.Storage.Blob.Path).
		Msg("Storage manager initialized (3 areas)")

	return &Manager{
		jobs:     jobStore,
		cases:    caseStore,
		exports:  caseStore,
		blobs:    blobStore,
		logger:   logger,
		dataPath: config.Storage.Blob.Path,
	}, nil
}

// newSurrealManager wires the SurrealDB stores over one shared connection.
func newSurrealManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surreal.Connect(ctx, config.Storage.Surreal)
	if err != nil {
		return nil, err
	}

	blobStore, err := NewFileBlobStore(logger, config.Storage.Blob.Path)
	if err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	caseStore := surreal.NewCaseStore(db, logger)

	logger.Info().
		Str("engine", EngineSurreal).
		Str("address", config.Storage.Surreal.Address).
		Str("namespace", config.Storage.Surreal.Namespace).
		Str("database", config.Storage.Surreal.Database).
		Str("blobs", config.Storage.Blob.Path).
		Msg("Storage manager initialized (surreal)")

	return &Manager{
		jobs:     surreal.NewJobStore(db, logger),
		cases:    caseStore,
		exports:  caseStore,
		blobs:    blobStore,
		logger:   logger,
		dataPath: config.Storage.Blob.Path,
		db:       db,
	}, nil
}

func (m *Manager) JobStore() interfaces.JobStore {
	return m.jobs
}

func (m *Manager) CaseStore() interfaces.CaseStore {
	return m.cases
}

func (m *Manager) ExportStore() interfaces.ExportStore {
	return m.exports
}

func (m *Manager) BlobStore() interfaces.BlobStore {
	return m.blobs
}

func (m *Manager) DataPath() string {
	return m.dataPath
}

func (m *Manager) Close() error {
	var firstErr error
	if err := m.jobs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.cases.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.blobs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if m.db != nil {
		m.db.Close(context.Background())
	}
	return firstErr
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
