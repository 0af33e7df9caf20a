// Package webgl models WebGL error events and aggregates them into batched,
// human-readable notifications. Raw events arrive from the browser-side probe;
// this package owns grouping, timing, and summary synthesis only. Long-term
// storage of events belongs to the tracker.
package webgl

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Shader error kinds.
const (
	KindCompilation = "compilation"
	KindLinking     = "linking"
)

// Shader stages. An empty stage means the error concerns the linked program
// as a whole rather than a single shader.
const (
	StageVertex   = "vertex"
	StageFragment = "fragment"
)

// Notification types emitted to the sink.
const (
	TypeShaderCompilation = "webgl.error.shader_compilation"
	TypeProgramLinking    = "webgl.error.program_linking"
	TypeGeneral           = "webgl.error.general"
)

// Event is one raw WebGL error observation. Implementations are
// *RuntimeError and *ShaderError.
type Event interface {
	// Signature returns the normalized grouping key for this event.
	Signature() string
	// DedupKey returns a content hash identifying this exact error shape.
	DedupKey() string
	// Weight returns how many occurrences this event represents (>= 1).
	Weight() int
	// When returns the event's origin timestamp.
	When() time.Time
}

// RuntimeError is a WebGL API error observed at call time, e.g.
// "INVALID_OPERATION: useProgram: program not valid".
type RuntimeError struct {
	Message      string    `json:"message"`
	FunctionName string    `json:"function_name,omitempty"`
	URL          string    `json:"url,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	// Count carries upstream coalescing: the probe folds identical errors
	// within one poll window into a single event with a count.
	Count int `json:"count,omitempty"`
}

func (e *RuntimeError) Signature() string { return runtimeSignature(e.Message) }

func (e *RuntimeError) DedupKey() string {
	return contentKey("runtime", e.Message, e.FunctionName, e.URL)
}

func (e *RuntimeError) Weight() int { return weightOf(e.Count) }

func (e *RuntimeError) When() time.Time { return e.Timestamp }

// ShaderError is a failed shader compile or program link, with the raw
// driver info log attached.
type ShaderError struct {
	Kind   string `json:"kind"`            // compilation | linking
	Stage  string `json:"stage,omitempty"` // vertex | fragment | "" (program)
	Log    string `json:"log"`
	Source string `json:"source,omitempty"`
	// Line is the 1-based source line extracted from the info log, 0 when
	// the log format yielded none.
	Line      int       `json:"line,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count,omitempty"`
}

func (e *ShaderError) Signature() string {
	stage := e.Stage
	if stage == "" {
		stage = "program"
	}
	return "shader:" + e.Kind + ":" + stage
}

func (e *ShaderError) DedupKey() string {
	return contentKey("shader", e.Kind, e.Stage, e.Log)
}

func (e *ShaderError) Weight() int { return weightOf(e.Count) }

func (e *ShaderError) When() time.Time { return e.Timestamp }

// NotificationType maps an event to the sink notification type it produces.
func NotificationType(e Event) string {
	if se, ok := e.(*ShaderError); ok {
		if se.Kind == KindLinking {
			return TypeProgramLinking
		}
		return TypeShaderCompilation
	}
	return TypeGeneral
}

// Notification is the structured value delivered to the sink.
type Notification struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Severity  string    `json:"severity"` // error | warning | info
}

// Notifier delivers aggregated notifications. Delivery is fire-and-forget
// from the aggregator's perspective: failures are logged by the caller and
// never interrupt collection.
type Notifier interface {
	Notify(n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification) error

func (f NotifierFunc) Notify(n Notification) error { return f(n) }

func weightOf(count int) int {
	if count > 1 {
		return count
	}
	return 1
}

func contentKey(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
