package orchestrator

import (
	"sync"
)

// TurnRef points at one in-flight turn so a cancellation can interrupt it.
type TurnRef struct {
	ThreadID string
	TurnID   string
}

// RunContext is the live in-memory state of one executing run: its agent
// client plus the most recently started turn. Entries exist only while the
// run executes; nothing here survives a process restart.
type RunContext struct {
	Client AgentClient

	mu       sync.Mutex
	inflight *TurnRef
}

// SetInflight records the turn the run is currently blocked on.
func (rc *RunContext) SetInflight(threadID, turnID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.inflight = &TurnRef{ThreadID: threadID, TurnID: turnID}
}

// ClearInflight drops the pointer once the turn resolved.
func (rc *RunContext) ClearInflight() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.inflight = nil
}

// Inflight returns the current in-flight turn, if any.
func (rc *RunContext) Inflight() *TurnRef {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.inflight == nil {
		return nil
	}
	ref := *rc.inflight
	return &ref
}

// Registry is the process-wide table of active runs, keyed by run id. It is
// constructed explicitly (never ambient) so tests can build their own.
// Lifecycle is 1:1 with run execution: insert at start, remove in the
// run's finalizer.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*RunContext
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*RunContext)}
}

// Insert registers a live run context.
func (r *Registry) Insert(runID string, rc *RunContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = rc
}

// Remove drops a run context. Safe when already removed.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Lookup returns the live context for runID, or nil.
func (r *Registry) Lookup(runID string) *RunContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[runID]
}

// Len reports how many runs are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
