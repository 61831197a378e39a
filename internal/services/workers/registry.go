// Package workers implements the job handlers the pool dispatches to: email
// archival, bulk case assignment, storage cleanup, case export, and the
// pass-through types. Handlers never write job status themselves; they
// report progress through the sink, poll the cancel signal at step
// boundaries, and return results or classified errors for the dispatcher to
// record.
package workers

import (
	"sort"
	"sync"

	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
)

// Registry maps job types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]interfaces.JobHandler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]interfaces.JobHandler)}
}

// Register installs a handler for its job type. A second handler for the
// same type is a wiring mistake and is rejected.
func (r *Registry) Register(handler interfaces.JobHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := handler.Type()
	if _, exists := r.handlers[jobType]; exists {
		return models.NewJobErrorf(models.ErrKindValidation, "handler already registered for job type %q", jobType)
	}
	r.handlers[jobType] = handler
	return nil
}

// Get returns the handler for a job type.
func (r *Registry) Get(jobType string) (interfaces.JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[jobType]
	return handler, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}

// cancelErr is what handlers return when a cooperative cancel lands at a
// step boundary. The dispatcher records the cancellation outcome; the
// handler just unwinds.
func cancelErr() error {
	return models.NewJobError(models.ErrKindCancelled, "job cancelled at a step boundary")
}

// stepProgress builds a checkpoint for step-counted handlers.
func stepProgress(percent, step, total int, name string) models.JobProgress {
	return models.JobProgress{
		Percentage:  percent,
		CurrentStep: name,
		Step:        step,
		TotalSteps:  total,
	}
}
