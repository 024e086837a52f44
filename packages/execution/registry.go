package execution

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry holds every live run keyed by run id. Its lock guards only the
// map; per-run data is guarded by each ExecutionState.
type Registry struct {
	mu    sync.RWMutex
	runs  map[string]*ExecutionState
	order []string
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		runs: make(map[string]*ExecutionState),
		now:  time.Now,
	}
}

// Create registers a fresh running state with idle workers 0..concurrency-1.
func (r *Registry) Create(concurrency int) *ExecutionState {
	state := newExecutionState(uuid.NewString(), concurrency, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[state.RunID] = state
	r.order = append(r.order, state.RunID)
	return state
}

func (r *Registry) Get(runID string) (*ExecutionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.runs[runID]
	return state, ok
}

// Remove evicts runID only while it still maps to state, so a delayed
// eviction never removes a different entry.
func (r *Registry) Remove(runID string, state *ExecutionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.runs[runID]; !ok || cur != state {
		return false
	}
	delete(r.runs, runID)
	for i, id := range r.order {
		if id == runID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns every registered run in creation order.
func (r *Registry) List() []*ExecutionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ExecutionState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.runs[id])
	}
	return out
}

// Active returns the oldest run that is running or paused.
func (r *Registry) Active() (*ExecutionState, bool) {
	for _, state := range r.List() {
		switch state.Status() {
		case StatusRunning, StatusPaused:
			return state, true
		}
	}
	return nil, false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
