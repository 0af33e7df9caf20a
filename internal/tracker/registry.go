package tracker

import (
	"sort"
	"sync"

	"glsnap-mcp-server/internal/webgl"
)

// SessionState bundles the per-session error pipeline.
type SessionState struct {
	SessionID  string
	Tracker    *Tracker
	Aggregator *webgl.Aggregator
}

// Registry maps session IDs to their error-pipeline state. It is passed to
// every collaborator that needs per-session lookup, so nothing holds
// process-global session state.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*SessionState
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*SessionState)}
}

// Attach registers state under its session ID. Replacing an existing entry
// stops the old entry's aggregator first so its timers don't leak.
func (r *Registry) Attach(state *SessionState) {
	r.mu.Lock()
	previous := r.byID[state.SessionID]
	r.byID[state.SessionID] = state
	r.mu.Unlock()

	if previous != nil && previous.Aggregator != nil && previous != state {
		previous.Aggregator.Stop()
	}
}

// Lookup returns the state for a session ID.
func (r *Registry) Lookup(sessionID string) (*SessionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.byID[sessionID]
	return state, ok
}

// Remove detaches a session, stopping its aggregator.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	state := r.byID[sessionID]
	delete(r.byID, sessionID)
	r.mu.Unlock()

	if state != nil && state.Aggregator != nil {
		state.Aggregator.Stop()
	}
}

// Sessions returns the registered session IDs in sorted order.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every aggregator and clears the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	states := make([]*SessionState, 0, len(r.byID))
	for _, state := range r.byID {
		states = append(states, state)
	}
	r.byID = make(map[string]*SessionState)
	r.mu.Unlock()

	for _, state := range states {
		if state.Aggregator != nil {
			state.Aggregator.Stop()
		}
	}
}
