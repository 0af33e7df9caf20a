// Package recorder keeps a rotating JSONL flight record of what the server
// did to a page: sessions, comparisons, collections, and every notification
// pushed to clients. One file per server run, newest few kept.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 3
	DefaultRunsDir  = "data/runs"
)

// Record event types.
const (
	EventSessionCreated    = "session_created"
	EventSessionClosed     = "session_closed"
	EventNavigated         = "navigated"
	EventScreenshot        = "screenshot"
	EventBaselineSaved     = "baseline_saved"
	EventComparison        = "comparison"
	EventVisualTest        = "visual_test"
	EventCollectionStarted = "collection_started"
	EventCollectionStopped = "collection_stopped"
	EventNotification      = "notification"
)

// Event is a single record in the run file.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Recorder appends run events to a JSONL file, rotating old runs away.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	path     string
}

// NewRecorder creates a recorder rooted at basePath, creating it if needed.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = DefaultRunsDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{
		basePath: basePath,
	}, nil
}

// Start opens a new run file, rotating old runs so only the newest
// MaxRotatedFiles remain.
func (r *Recorder) Start(label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate runs: %w", err)
	}

	filename := fmt.Sprintf("run_%s_%d.jsonl", label, time.Now().UnixMilli())
	path := filepath.Join(r.basePath, filename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.path = path
	return nil
}

// Log appends one event to the current run. A nil recorder, or one that was
// never started, swallows events silently so callers don't need a guard.
func (r *Recorder) Log(eventType, sessionID string, data interface{}) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}

	evt := Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	}

	_ = r.encoder.Encode(evt)
}

// Path returns the current run file's location, empty before Start.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// rotate keeps only the newest MaxRotatedFiles run files.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	var runs []struct {
		Name string
		Time time.Time
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, struct {
			Name string
			Time time.Time
		}{e.Name(), info.ModTime()})
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Time.After(runs[j].Time)
	})

	// Keep N-1 to make room for the file Start is about to create.
	if len(runs) >= MaxRotatedFiles {
		keep := MaxRotatedFiles - 1
		if keep < 0 {
			keep = 0
		}
		for i := keep; i < len(runs); i++ {
			path := filepath.Join(r.basePath, runs[i].Name)
			_ = os.Remove(path)
		}
	}
	return nil
}

// Close finishes the current run.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
