package webgl

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"glsnap-mcp-server/internal/config"
)

// captureSink records notifications for assertions.
type captureSink struct {
	mu    sync.Mutex
	notes []Notification
}

func (s *captureSink) Notify(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	return nil
}

func (s *captureSink) all() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notes))
	copy(out, s.notes)
	return out
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

// blockingSink blocks its first delivery until released, to hold a flush
// open while the test drives concurrent ingestion.
type blockingSink struct {
	captureSink
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Notify(n Notification) error {
	var first bool
	s.once.Do(func() { first = true })
	_ = s.captureSink.Notify(n)
	if first {
		<-s.release
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// quietCfg keeps both timers far away so tests control flushes explicitly.
func quietCfg() config.AggregatorConfig {
	return config.AggregatorConfig{
		BatchIntervalMs:      60000,
		MaxBatchSize:         50,
		CollectionDurationMs: 60000,
		MaxErrorsBeforeStop:  1000,
	}
}

func TestAddErrorOutsideSessionIsNoop(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	// Before start
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable"})
	if agg.TotalErrorCount() != 0 {
		t.Errorf("expected 0 errors before start, got %d", agg.TotalErrorCount())
	}

	agg.Start()
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable"})
	agg.Stop()

	if agg.TotalErrorCount() != 1 {
		t.Fatalf("expected 1 error in session, got %d", agg.TotalErrorCount())
	}

	// After stop
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable"})
	if agg.TotalErrorCount() != 1 {
		t.Errorf("expected stopped session to reject events, got %d", agg.TotalErrorCount())
	}
}

func TestStartWhileActiveIsNoop(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	defer agg.Stop()

	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable"})
	agg.Start() // must not reset the running session

	if agg.TotalErrorCount() != 1 {
		t.Errorf("second Start reset the session: total=%d", agg.TotalErrorCount())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable"})
	agg.Stop()
	before := sink.count()

	agg.Stop()
	agg.Destroy()

	if sink.count() != before {
		t.Errorf("repeated Stop emitted more notifications: %d -> %d", before, sink.count())
	}
}

func TestWeightAccumulation(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	defer agg.Stop()

	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable", Count: 10})
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable"})

	if got := agg.TotalErrorCount(); got != 11 {
		t.Errorf("expected total 11, got %d", got)
	}
	if got := agg.OpenGroupCount(); got != 1 {
		t.Errorf("expected 1 open group, got %d", got)
	}
}

func TestVolumeStopIsSynchronous(t *testing.T) {
	sink := &captureSink{}
	cfg := quietCfg()
	cfg.MaxErrorsBeforeStop = 5
	agg := NewAggregator("t", cfg, sink)

	agg.Start()
	for i := 0; i < 4; i++ {
		agg.AddError(&RuntimeError{Message: "INVALID_OPERATION: useProgram: bad program"})
		if !agg.IsActive() {
			t.Fatalf("session stopped early after %d events", i+1)
		}
	}

	// Fifth event crosses the budget; the stop must happen inside AddError.
	agg.AddError(&RuntimeError{Message: "INVALID_OPERATION: useProgram: bad program"})
	if agg.IsActive() {
		t.Fatal("expected session stopped synchronously on the 5th event")
	}
	if agg.StopReason() != "volume" {
		t.Errorf("expected stop reason 'volume', got %q", agg.StopReason())
	}
	if agg.TotalErrorCount() != 5 {
		t.Errorf("expected total 5, got %d", agg.TotalErrorCount())
	}

	// The triggering event's group is flushed exactly once: one group
	// notification plus one session summary.
	notes := sink.all()
	var groupNotes, summaries int
	for _, n := range notes {
		if strings.Contains(n.Error, "stopped early due to high error volume") {
			summaries++
			continue
		}
		if strings.Contains(n.Error, "useProgram") {
			groupNotes++
		}
	}
	if groupNotes != 1 {
		t.Errorf("expected exactly 1 group notification, got %d (all: %d)", groupNotes, len(notes))
	}
	if summaries != 1 {
		t.Errorf("expected exactly 1 volume summary, got %d", summaries)
	}
	for _, n := range notes {
		if strings.Contains(n.Error, "useProgram failed") && !strings.Contains(n.Error, "5 times") {
			t.Errorf("group notification should mention 5 occurrences: %q", n.Error)
		}
	}
}

func TestShaderErrorsCollapseByStage(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	agg.AddError(&ShaderError{Kind: KindCompilation, Stage: StageVertex, Log: "ERROR: 0:12: 'main' : syntax error"})
	agg.AddError(&ShaderError{Kind: KindCompilation, Stage: StageVertex, Log: "ERROR: 0:30: 'vColor' : undeclared identifier"})
	agg.Stop()

	var shaderNotes []Notification
	for _, n := range sink.all() {
		if n.Type == TypeShaderCompilation {
			shaderNotes = append(shaderNotes, n)
		}
	}
	if len(shaderNotes) != 1 {
		t.Fatalf("expected a single collapsed notification, got %d", len(shaderNotes))
	}
	msg := shaderNotes[0].Error
	if !strings.Contains(msg, "2") {
		t.Errorf("summary should mention 2 occurrences: %q", msg)
	}
	if !strings.Contains(msg, "vertex") {
		t.Errorf("summary should mention the stage: %q", msg)
	}
	if !strings.Contains(msg, "syntax error") || !strings.Contains(msg, "undeclared identifier") {
		t.Errorf("summary should include both unique logs: %q", msg)
	}
	if shaderNotes[0].Severity != "error" {
		t.Errorf("shader failures are severity error, got %q", shaderNotes[0].Severity)
	}
}

func TestShaderSummaryTruncatesUniqueLogs(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	for i := 0; i < 5; i++ {
		agg.AddError(&ShaderError{
			Kind:  KindCompilation,
			Stage: StageFragment,
			Log:   fmt.Sprintf("ERROR: 0:%d: problem %d", i+1, i+1),
		})
	}
	agg.Stop()

	var msg string
	for _, n := range sink.all() {
		if n.Type == TypeShaderCompilation {
			msg = n.Error
		}
	}
	if msg == "" {
		t.Fatal("expected a shader notification")
	}
	if !strings.Contains(msg, "+2 more") {
		t.Errorf("expected '+2 more' suffix for 5 unique logs, got %q", msg)
	}
	if !strings.Contains(msg, "5 fragment shader compilation errors") {
		t.Errorf("expected counted fragment summary, got %q", msg)
	}
}

func TestSingleShaderErrorPassesLogVerbatim(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	rawLog := "ERROR: 0:7: 'normalize' : no matching overloaded function found"
	agg.Start()
	agg.AddError(&ShaderError{Kind: KindCompilation, Stage: StageVertex, Log: rawLog})
	agg.Stop()

	var found bool
	for _, n := range sink.all() {
		if n.Type == TypeShaderCompilation && n.Error == rawLog {
			found = true
		}
	}
	if !found {
		t.Errorf("single-member group should emit the raw log verbatim, got %+v", sink.all())
	}
}

func TestLinkingErrorsUseProgramWording(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	agg.AddError(&ShaderError{Kind: KindLinking, Log: "error: varying vNormal not written by vertex shader"})
	agg.AddError(&ShaderError{Kind: KindLinking, Log: "error: fragment shader uses undeclared varying"})
	agg.Stop()

	var linkNote *Notification
	for _, n := range sink.all() {
		if n.Type == TypeProgramLinking {
			note := n
			linkNote = &note
		}
	}
	if linkNote == nil {
		t.Fatal("expected a program-linking notification")
	}
	if !strings.Contains(linkNote.Error, "2 program linking errors") {
		t.Errorf("expected program linking wording, got %q", linkNote.Error)
	}
}

func TestHotPathUseProgramSeverity(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	for i := 0; i < 150; i++ {
		agg.AddError(&RuntimeError{Message: "INVALID_OPERATION: useProgram: program not valid"})
	}
	agg.Stop()

	var groupNotes []Notification
	for _, n := range sink.all() {
		if n.Type == TypeGeneral && strings.Contains(n.Error, "useProgram") {
			groupNotes = append(groupNotes, n)
		}
	}
	if len(groupNotes) != 1 {
		t.Fatalf("expected exactly one flush notification for the signature, got %d", len(groupNotes))
	}
	if groupNotes[0].Severity != "error" {
		t.Errorf("count > 100 should be severity error, got %q", groupNotes[0].Severity)
	}
	if !strings.Contains(groupNotes[0].Error, "150") {
		t.Errorf("notification should mention 150 occurrences: %q", groupNotes[0].Error)
	}
}

func TestHotPathDrawElementsWording(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	agg.AddError(&RuntimeError{Message: "INVALID_OPERATION: drawElements: no valid shader program in use", Count: 12})
	agg.Stop()

	var found bool
	for _, n := range sink.all() {
		if strings.Contains(n.Error, "drawElements failed 12 times") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected drawElements hot-path wording, got %+v", sink.all())
	}
}

func TestGenericRuntimeTemplate(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: texImage2D: invalid format A"})
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: texImage2D: invalid format B"})
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: texImage2D: invalid format C"})
	agg.Stop()

	var msg string
	var severity string
	for _, n := range sink.all() {
		if strings.Contains(n.Error, "INVALID_ENUM") {
			msg = n.Error
			severity = n.Severity
		}
	}
	if msg == "" {
		t.Fatal("expected a generic runtime notification")
	}
	if !strings.Contains(msg, "INVALID_ENUM in texImage2D") {
		t.Errorf("generic template should name code and operation: %q", msg)
	}
	if !strings.Contains(msg, "occurred 3 times") {
		t.Errorf("generic template should state the count: %q", msg)
	}
	if !strings.Contains(msg, "+1 more variations") {
		t.Errorf("expected variant truncation after 2 examples: %q", msg)
	}
	if severity != "warning" {
		t.Errorf("count <= 100 should be severity warning, got %q", severity)
	}
}

func TestSingleRuntimeErrorPassesMessageVerbatim(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	msg := "INVALID_ENUM: enable: cap was GL_SHADING_LANGUAGE_VERSION"
	agg.Start()
	agg.AddError(&RuntimeError{Message: msg})
	agg.Stop()

	var found bool
	for _, n := range sink.all() {
		if n.Error == msg {
			found = true
		}
	}
	if !found {
		t.Errorf("single-occurrence runtime error should pass through verbatim, got %+v", sink.all())
	}
}

func TestSizeBackPressureFlushesImmediately(t *testing.T) {
	sink := &captureSink{}
	cfg := quietCfg()
	cfg.MaxBatchSize = 2
	agg := NewAggregator("t", cfg, sink)

	agg.Start()
	defer agg.Stop()

	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable: a"})
	if sink.count() != 0 {
		t.Fatalf("flush should not fire below the size limit, got %d notifications", sink.count())
	}

	// Second distinct signature reaches maxBatchSize; flush is synchronous.
	agg.AddError(&RuntimeError{Message: "INVALID_VALUE: bufferData: negative size"})
	if sink.count() != 2 {
		t.Fatalf("expected immediate back-pressure flush of 2 groups, got %d", sink.count())
	}
	if agg.OpenGroupCount() != 0 {
		t.Errorf("expected groups cleared after flush, got %d", agg.OpenGroupCount())
	}
}

func TestFlushPreservesGroupOrder(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable: first"})
	agg.AddError(&RuntimeError{Message: "INVALID_VALUE: bufferData: second"})
	agg.AddError(&RuntimeError{Message: "INVALID_OPERATION: uniform1f: third"})
	agg.Stop()

	notes := sink.all()
	if len(notes) < 3 {
		t.Fatalf("expected at least 3 notifications, got %d", len(notes))
	}
	if !strings.Contains(notes[0].Error, "first") {
		t.Errorf("expected first-seen group flushed first, got %q", notes[0].Error)
	}
	if !strings.Contains(notes[1].Error, "second") {
		t.Errorf("expected insertion order preserved, got %q", notes[1].Error)
	}
	if !strings.Contains(notes[2].Error, "third") {
		t.Errorf("expected insertion order preserved, got %q", notes[2].Error)
	}
}

func TestTimerDrivenFlush(t *testing.T) {
	sink := &captureSink{}
	cfg := quietCfg()
	cfg.BatchIntervalMs = 100
	agg := NewAggregator("t", cfg, sink)

	agg.Start()
	defer agg.Stop()

	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable: periodic"})

	waitFor(t, 2*time.Second, "timer-driven flush", func() bool { return sink.count() >= 1 })

	if !agg.IsActive() {
		t.Error("session should remain active after a batch flush")
	}
	if agg.OpenGroupCount() != 0 {
		t.Errorf("expected groups cleared by timer flush, got %d", agg.OpenGroupCount())
	}
}

func TestDurationStopWithNoErrorsEmitsNothing(t *testing.T) {
	sink := &captureSink{}
	cfg := quietCfg()
	cfg.CollectionDurationMs = 100
	agg := NewAggregator("t", cfg, sink)

	agg.Start()

	waitFor(t, 2*time.Second, "duration-triggered stop", func() bool { return !agg.IsActive() })

	if agg.StopReason() != "duration" {
		t.Errorf("expected stop reason 'duration', got %q", agg.StopReason())
	}
	if sink.count() != 0 {
		t.Errorf("zero-error session should emit no notifications, got %+v", sink.all())
	}
}

func TestDurationStopSummaryWording(t *testing.T) {
	sink := &captureSink{}
	cfg := quietCfg()
	cfg.CollectionDurationMs = 100
	agg := NewAggregator("t", cfg, sink)

	agg.Start()
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable: once"})

	waitFor(t, 2*time.Second, "duration-triggered stop", func() bool { return !agg.IsActive() })

	var summary *Notification
	for _, n := range sink.all() {
		if strings.Contains(n.Error, "collection finished") {
			note := n
			summary = &note
		}
	}
	if summary == nil {
		t.Fatalf("expected a session summary, got %+v", sink.all())
	}
	if summary.Severity != "info" {
		t.Errorf("duration summary should be info severity, got %q", summary.Severity)
	}
	if !strings.Contains(summary.Error, "1 errors") {
		t.Errorf("summary should carry the total count, got %q", summary.Error)
	}
}

func TestSinkFailureDoesNotStopCollection(t *testing.T) {
	failing := NotifierFunc(func(n Notification) error {
		return errors.New("transport down")
	})
	cfg := quietCfg()
	cfg.MaxBatchSize = 1
	agg := NewAggregator("t", cfg, failing)

	agg.Start()
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable: a"})
	if !agg.IsActive() {
		t.Fatal("sink failure must not stop the session")
	}

	// Collection continues: another event still counts and flushes.
	agg.AddError(&RuntimeError{Message: "INVALID_VALUE: bufferData: b"})
	if agg.TotalErrorCount() != 2 {
		t.Errorf("expected total 2 after sink failures, got %d", agg.TotalErrorCount())
	}
	agg.Stop()
}

func TestBackPressureDeferredDuringFlush(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	cfg := quietCfg()
	cfg.BatchIntervalMs = 100
	cfg.MaxBatchSize = 2
	agg := NewAggregator("t", cfg, sink)

	agg.Start()
	defer agg.Stop()

	// First event: the timer flush will pick it up and block inside Notify.
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable: blocker"})
	waitFor(t, 2*time.Second, "flush to enter the sink", func() bool { return sink.count() == 1 })

	// While the flush is held open, exceed maxBatchSize. The back-pressure
	// flush must be deferred, not run concurrently and not dropped.
	agg.AddError(&RuntimeError{Message: "INVALID_VALUE: bufferData: deferred-a"})
	agg.AddError(&RuntimeError{Message: "INVALID_OPERATION: uniform1f: deferred-b"})
	agg.AddError(&RuntimeError{Message: "CONTEXT_LOST_WEBGL: loseContext: deferred-c"})

	if got := sink.count(); got != 1 {
		t.Fatalf("deferred groups must not emit during an active flush, got %d notifications", got)
	}
	if got := agg.OpenGroupCount(); got != 3 {
		t.Fatalf("expected 3 groups accumulated for the next cycle, got %d", got)
	}

	close(sink.release)

	// The next timer cycle drains everything that accumulated.
	waitFor(t, 2*time.Second, "deferred groups to flush", func() bool { return sink.count() >= 4 })

	seen := make(map[string]int)
	for _, n := range sink.all() {
		for _, marker := range []string{"blocker", "deferred-a", "deferred-b", "deferred-c"} {
			if strings.Contains(n.Error, marker) {
				seen[marker]++
			}
		}
	}
	for _, marker := range []string{"blocker", "deferred-a", "deferred-b", "deferred-c"} {
		if seen[marker] != 1 {
			t.Errorf("expected %q flushed exactly once, got %d", marker, seen[marker])
		}
	}
}

func TestRestartAfterStopBeginsFreshSession(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()
	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable: one", Count: 7})
	agg.Stop()

	if agg.TotalErrorCount() != 7 {
		t.Fatalf("expected finished session to report 7, got %d", agg.TotalErrorCount())
	}

	agg.Start()
	defer agg.Stop()

	if agg.TotalErrorCount() != 0 {
		t.Errorf("new session should reset the counter, got %d", agg.TotalErrorCount())
	}
	if agg.StopReason() != "" {
		t.Errorf("active session should report no stop reason, got %q", agg.StopReason())
	}

	agg.AddError(&RuntimeError{Message: "INVALID_ENUM: enable: two"})
	if agg.TotalErrorCount() != 1 {
		t.Errorf("expected fresh accumulation, got %d", agg.TotalErrorCount())
	}
}

func TestConcurrentAddError(t *testing.T) {
	sink := &captureSink{}
	agg := NewAggregator("t", quietCfg(), sink)

	agg.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				agg.AddError(&RuntimeError{Message: fmt.Sprintf("INVALID_ENUM: enable: worker %d", worker)})
			}
		}(i)
	}
	wg.Wait()

	if got := agg.TotalErrorCount(); got != 200 {
		t.Errorf("expected 200 total errors, got %d", got)
	}
	agg.Stop()
}
