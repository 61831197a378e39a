// Package maintenance runs the housekeeping loops: aged terminal rows and
// lapsed export artifacts are deleted on the cleanup interval, and running
// jobs that stopped reporting progress are marked stalled by the reaper.
package maintenance

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// Service owns the cleanup and reaper tickers.
type Service struct {
	store   interfaces.JobStore
	exports interfaces.ExportStore
	blobs   interfaces.BlobStore
	logger  *common.Logger

	cleanupInterval time.Duration
	completedAge    time.Duration
	failedAge       time.Duration
	reaperInterval  time.Duration
	stalledTimeout  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the maintenance loops from configuration.
func NewService(store interfaces.JobStore, exports interfaces.ExportStore, blobs interfaces.BlobStore, logger *common.Logger, config *common.Config) *Service {
	return &Service{
		store:           store,
		exports:         exports,
		blobs:           blobs,
		logger:          logger,
		cleanupInterval: config.Cleanup.GetInterval(),
		completedAge:    config.Cleanup.GetCompletedJobAge(),
		failedAge:       config.Cleanup.GetFailedJobAge(),
		reaperInterval:  config.Health.GetStalledInterval(),
		stalledTimeout:  config.Health.GetStalledTimeout(),
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (s *Service) safeGo(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in maintenance goroutine")
			}
		}()
		fn()
	}()
}

// Start launches both loops. Safe to call again; a running service is
// stopped first.
func (s *Service) Start(_ context.Context) error {
	if s.cancel != nil {
		s.Stop()
	}
	root, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.safeGo("cleanup", func() { s.cleanupLoop(root) })
	s.safeGo("stall-reaper", func() { s.reaperLoop(root) })

	s.logger.Info().
		Dur("cleanup_interval", s.cleanupInterval).
		Dur("reaper_interval", s.reaperInterval).
		Msg("Maintenance loops started")
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
	s.logger.Info().Msg("Maintenance loops stopped")
}

func (s *Service) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunCleanup(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Cleanup sweep failed")
			}
		}
	}
}

func (s *Service) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(s.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunReaper(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Stall sweep failed")
			}
		}
	}
}

// RunCleanup deletes aged completed and failed rows plus lapsed export
// artifacts (and their rendered blobs). Returns the number of rows removed.
func (s *Service) RunCleanup(ctx context.Context) (int, error) {
	now := time.Now()
	removed := 0
	var firstErr error

	completed, err := s.store.DeleteTerminalBefore(ctx, models.JobStatusCompleted, now.Add(-s.completedAge))
	if err != nil {
		firstErr = err
	}
	removed += completed

	failed, err := s.store.DeleteTerminalBefore(ctx, models.JobStatusFailed, now.Add(-s.failedAge))
	if err != nil && firstErr == nil {
		firstErr = err
	}
	removed += failed

	expired, err := s.exports.PurgeExpired(ctx, now)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	for _, artifact := range expired {
		if err := s.blobs.Delete(ctx, artifact.BlobKey); err != nil {
			s.logger.Warn().
				Str("artifact", artifact.Key).
				Str("blob_key", artifact.BlobKey).
				Err(err).
				Msg("Failed to delete expired export blob")
		}
	}
	removed += len(expired)

	if removed > 0 {
		s.logger.Info().
			Int("completed", completed).
			Int("failed", failed).
			Int("exports", len(expired)).
			Msg("Cleanup sweep removed aged records")
	}
	return removed, firstErr
}

// RunReaper marks running jobs without recent progress as stalled.
func (s *Service) RunReaper(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.stalledTimeout)
	stalled, err := s.store.MarkStalled(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, job := range stalled {
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("tenant", job.Tenant).
			Str("job_type", job.Type).
			Time("started_at", job.StartedAt).
			Msg("Job marked stalled")
	}
	return len(stalled), nil
}

var _ interfaces.Maintenance = (*Service)(nil)
