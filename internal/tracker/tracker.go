// Package tracker stores deduplicated WebGL errors per browser session so
// tools can report what happened after notifications have already flushed.
package tracker

import (
	"sort"
	"sync"
	"time"

	"glsnap-mcp-server/internal/webgl"
)

// TrackedError is one deduplicated error with its observation window.
// Count is how many ingested events mapped to the same content; Weight also
// honors occurrence counts embedded in coalesced browser reports.
type TrackedError struct {
	Key       string      `json:"key"`
	Signature string      `json:"signature"`
	Count     int         `json:"count"`
	Weight    int         `json:"weight"`
	FirstSeen time.Time   `json:"first_seen"`
	LastSeen  time.Time   `json:"last_seen"`
	Last      webgl.Event `json:"-"`
}

// Tracker deduplicates the raw event stream of one session by content.
type Tracker struct {
	mu    sync.Mutex
	byKey map[string]*TrackedError
}

func NewTracker() *Tracker {
	return &Tracker{byKey: make(map[string]*TrackedError)}
}

// Ingest records one event and returns a copy of its tracked state.
func (t *Tracker) Ingest(ev webgl.Event) *TrackedError {
	seen := ev.When()
	if seen.IsZero() {
		seen = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := ev.DedupKey()
	te, ok := t.byKey[key]
	if !ok {
		te = &TrackedError{
			Key:       key,
			Signature: ev.Signature(),
			FirstSeen: seen,
		}
		t.byKey[key] = te
	}
	te.Count++
	te.Weight += ev.Weight()
	if seen.After(te.LastSeen) {
		te.LastSeen = seen
	}
	if seen.Before(te.FirstSeen) {
		te.FirstSeen = seen
	}
	te.Last = ev

	snapshot := *te
	return &snapshot
}

// Snapshot returns all tracked errors ordered by last-seen time, oldest
// first, with key as a tiebreaker for stable output.
func (t *Tracker) Snapshot() []TrackedError {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TrackedError, 0, len(t.byKey))
	for _, te := range t.byKey {
		out = append(out, *te)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.Before(out[j].LastSeen)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// TotalWeight sums the weight of every tracked error.
func (t *Tracker) TotalWeight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, te := range t.byKey {
		total += te.Weight
	}
	return total
}

// Len returns the number of distinct errors.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

// Reset discards all tracked state, for the start of a fresh collection run.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey = make(map[string]*TrackedError)
}
