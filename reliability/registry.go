package reliability

import (
	"sort"
	"sync"
)

// Registry owns one circuit breaker per job id
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults []CircuitBreakerOption
}

// NewRegistry creates a registry whose breakers start with defaults applied
func NewRegistry(defaults ...CircuitBreakerOption) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns the breaker for jobID if one exists
func (r *Registry) Get(jobID string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[jobID]
	return cb, ok
}

// GetOrCreate returns the breaker for jobID, creating it with the registry
// defaults followed by options when it does not exist yet
func (r *Registry) GetOrCreate(jobID string, options ...CircuitBreakerOption) *CircuitBreaker {
	if cb, ok := r.Get(jobID); ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[jobID]; ok {
		return cb
	}

	opts := make([]CircuitBreakerOption, 0, len(r.defaults)+len(options))
	opts = append(opts, r.defaults...)
	opts = append(opts, options...)

	cb := NewCircuitBreaker(jobID, opts...)
	r.breakers[jobID] = cb
	return cb
}

// Remove drops the breaker for jobID
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, jobID)
}

// JobIDs returns the ids of all registered breakers, sorted
func (r *Registry) JobIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshots returns the state of every breaker, sorted by job id
func (r *Registry) Snapshots() []Snapshot {
	ids := r.JobIDs()
	snapshots := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if cb, ok := r.Get(id); ok {
			snapshots = append(snapshots, cb.Snapshot())
		}
	}
	return snapshots
}
