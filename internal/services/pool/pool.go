// Package pool runs the worker loops that claim queued jobs and drive their
// handlers to a terminal status. One Pool owns a set of workers built from
// configuration; each worker claims jobs for its types, executes them under
// the job's own timeout, and records the outcome. A health loop restarts
// workers whose heartbeat goes stale.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
	"github.com/casekit/docket/internal/services/workers"
)

const (
	// claimBusyPause is the pause between claim sweeps while a worker is at
	// its concurrency limit.
	claimBusyPause = time.Second

	// claimEmptyPause is the pause after a sweep that found nothing to claim.
	claimEmptyPause = 5 * time.Second

	// claimErrorPause is the pause after a claim error.
	claimErrorPause = time.Second

	// healthCheckInterval is how often the pool inspects worker heartbeats.
	healthCheckInterval = 30 * time.Second

	// heartbeatMaxAge is the staleness window after which a worker loop is
	// presumed dead and restarted.
	heartbeatMaxAge = 60 * time.Second

	// maxRestartAttempts bounds automatic restarts of one worker. Past the
	// budget the worker is left down and reported unhealthy.
	maxRestartAttempts = 3
)

// Pool claims and executes jobs with a configured set of workers.
type Pool struct {
	store    interfaces.JobStore
	registry *workers.Registry
	bus      interfaces.EventBus
	logger   *common.Logger
	backoff  common.BackoffPolicy
	configs  []common.WorkerConfig

	// slots caps in-flight executions across all workers. Nil means the
	// per-worker limits are the only ceiling.
	slots chan struct{}

	mu        sync.Mutex
	workers   []*worker
	cancel    context.CancelFunc
	startedAt time.Time
	running   bool

	wg sync.WaitGroup
}

// NewPool creates a pool from the configured worker descriptors. Disabled
// descriptors are skipped.
func NewPool(store interfaces.JobStore, registry *workers.Registry, bus interfaces.EventBus, logger *common.Logger, config *common.Config) *Pool {
	p := &Pool{
		store:    store,
		registry: registry,
		bus:      bus,
		logger:   logger,
		backoff:  common.BackoffPolicyFromConfig(&config.Retry),
	}
	for _, wc := range config.Workers {
		if wc.Enabled {
			p.configs = append(p.configs, wc)
		}
	}
	if limit := config.Dispatch.MaxConcurrency; limit > 0 {
		p.slots = make(chan struct{}, limit)
	}
	return p
}

// safeGo launches a goroutine with panic recovery and logging.
func (p *Pool) safeGo(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in pool goroutine")
			}
		}()
		fn()
	}()
}

// Start requeues orphaned running jobs, launches one dispatch loop per
// enabled worker, and starts the health check. Safe to call again; a running
// pool is drained first. ctx bounds the startup work only; the loops run
// until Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		if err := p.Stop(ctx); err != nil {
			return err
		}
		p.mu.Lock()
	}

	if count, err := p.store.RequeueOrphans(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to requeue orphaned running jobs")
	} else if count > 0 {
		p.logger.Info().Int("count", count).Msg("Requeued orphaned running jobs")
	}

	root, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.startedAt = time.Now()
	p.running = true

	p.workers = p.workers[:0]
	now := time.Now()
	for i := range p.configs {
		w := newWorker(p, &p.configs[i], now)
		p.workers = append(p.workers, w)
		p.startWorker(root, w)
	}
	count := len(p.workers)
	if count == 0 {
		p.logger.Warn().Msg("Worker pool started with no enabled workers")
	}
	p.safeGo("health-check", func() { p.healthLoop(root) })
	p.mu.Unlock()

	p.logger.Info().
		Int("workers", count).
		Msg("Worker pool started")
	return nil
}

// startWorker launches the dispatch loop for one worker under its own
// cancellable context so the health check can restart it in isolation.
func (p *Pool) startWorker(root context.Context, w *worker) {
	loopCtx, loopCancel := context.WithCancel(root)
	w.mu.Lock()
	w.loopCancel = loopCancel
	w.mu.Unlock()
	p.safeGo("worker-"+w.id, func() { w.dispatchLoop(loopCtx) })
}

// Stop cancels the dispatch loops and waits for in-flight executions to
// finish. Executions are bounded by their job timeouts; ctx bounds how long
// Stop itself waits.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Err(ctx.Err()).Msg("Stop timed out waiting for in-flight jobs")
		return ctx.Err()
	}

	p.logger.Info().Msg("Worker pool stopped")
	return nil
}

// healthLoop periodically restarts workers whose heartbeat went stale.
func (p *Pool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkWorkers(ctx)
		}
	}
}

// checkWorkers restarts stale workers, up to the per-worker restart budget.
func (p *Pool) checkWorkers(root context.Context) {
	now := time.Now()
	p.mu.Lock()
	active := make([]*worker, len(p.workers))
	copy(active, p.workers)
	p.mu.Unlock()

	for _, w := range active {
		w.mu.Lock()
		stale := w.status != models.WorkerStatusStopped &&
			w.status != models.WorkerStatusUnhealthy &&
			now.Sub(w.lastBeat) > heartbeatMaxAge
		restarts := w.restarts
		lastBeat := w.lastBeat
		w.mu.Unlock()
		if !stale {
			continue
		}

		if restarts >= maxRestartAttempts {
			w.markUnhealthy()
			p.logger.Error().
				Str("worker_id", w.id).
				Int("restarts", restarts).
				Msg("Worker exceeded its restart budget, leaving it down")
			continue
		}

		p.logger.Warn().
			Str("worker_id", w.id).
			Time("last_heartbeat", lastBeat).
			Msg("Restarting stale worker")
		w.mu.Lock()
		if w.loopCancel != nil {
			w.loopCancel()
		}
		w.restarts++
		w.lastBeat = now
		w.status = models.WorkerStatusIdle
		w.mu.Unlock()
		p.startWorker(root, w)
	}
}

// Snapshot returns a read-only view of the pool and every worker.
func (p *Pool) Snapshot() models.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := models.PoolSnapshot{
		StartedAt: p.startedAt,
		Running:   p.running,
		Workers:   make([]models.WorkerSnapshot, 0, len(p.workers)),
	}
	for _, w := range p.workers {
		snap.Workers = append(snap.Workers, w.snapshot())
	}
	return snap
}

// acquireSlot takes one global execution slot, or reports false when the
// pool is at its global ceiling.
func (p *Pool) acquireSlot() bool {
	if p.slots == nil {
		return true
	}
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool) releaseSlot() {
	if p.slots != nil {
		<-p.slots
	}
}

// publish emits one lifecycle event with the tenant's current waiting depth
// attached.
func (p *Pool) publish(ctx context.Context, eventType string, job *models.Job) {
	if p.bus == nil {
		return
	}
	queued, _, err := p.store.CountActive(ctx, job.Tenant)
	if err != nil {
		p.logger.Warn().Err(err).Str("tenant", job.Tenant).Msg("Failed to count queue depth for event")
	}
	p.bus.Publish(models.JobEvent{
		Type:      eventType,
		Tenant:    job.Tenant,
		Job:       job,
		Timestamp: time.Now(),
		QueueSize: queued,
	})
}

var _ interfaces.Pool = (*Pool)(nil)
