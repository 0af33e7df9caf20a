package mcp

import (
	"context"
	"fmt"
	"time"

	"glsnap-mcp-server/internal/browser"
	"glsnap-mcp-server/internal/config"
	"glsnap-mcp-server/internal/mangle"
	"glsnap-mcp-server/internal/recorder"
	"glsnap-mcp-server/internal/shaderlog"
	"glsnap-mcp-server/internal/tracker"
	"glsnap-mcp-server/internal/webgl"
)

// StartErrorCollectionTool arms the per-session aggregation pipeline: probe
// events already flowing from the browser start being deduplicated, grouped,
// and pushed out as batched notifications.
type StartErrorCollectionTool struct {
	cfg      config.AggregatorConfig
	sessions *browser.SessionManager
	pipeline *tracker.Registry
	engine   *mangle.Engine
	recorder *recorder.Recorder
	sink     func(sessionID string) webgl.Notifier
}

func (t *StartErrorCollectionTool) Name() string { return "start-error-collection" }
func (t *StartErrorCollectionTool) Description() string {
	return `Start collecting WebGL/shader errors for a session.

WHAT IT DOES:
- Attaches a dedup tracker and a batching aggregator to the session
- Groups errors by signature and pushes batched notifications over MCP
- Stops on its own after the collection duration, or early when the
  error volume budget is hit

WHEN TO USE:
- Before run-visual-test, so rendering errors surface even when the
  captured frame happens to match (a black canvas diffs at 0%)
- Debugging a scene that logs WebGL errors

All window parameters are optional and default to the server config.
Calling while a collection is already running is a no-op.

Returns: {session_id, status: "collecting"|"already_active",
batch_interval_ms, max_batch_size, collection_duration_ms,
max_errors_before_stop}`
}
func (t *StartErrorCollectionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to collect errors for",
			},
			"batch_interval_ms": map[string]interface{}{
				"type":        "integer",
				"description": "How often grouped errors flush into notifications",
			},
			"max_batch_size": map[string]interface{}{
				"type":        "integer",
				"description": "Distinct signatures that force an early flush",
			},
			"collection_duration_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Total collection window before the session stops itself",
			},
			"max_errors_before_stop": map[string]interface{}{
				"type":        "integer",
				"description": "Total error budget; crossing it stops collection early",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *StartErrorCollectionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if _, ok := t.sessions.GetSession(sessionID); !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}

	// Per-call overrides on top of the configured defaults.
	cfg := t.cfg
	if v := getIntArg(args, "batch_interval_ms", 0); v > 0 {
		cfg.BatchIntervalMs = v
	}
	if v := getIntArg(args, "max_batch_size", 0); v > 0 {
		cfg.MaxBatchSize = v
	}
	if v := getIntArg(args, "collection_duration_ms", 0); v > 0 {
		cfg.CollectionDurationMs = v
	}
	if v := getIntArg(args, "max_errors_before_stop", 0); v > 0 {
		cfg.MaxErrorsBeforeStop = v
	}

	state, attached := t.pipeline.Lookup(sessionID)
	if attached && state.Aggregator != nil && state.Aggregator.IsActive() {
		return map[string]interface{}{
			"session_id": sessionID,
			"status":     "already_active",
			"started_at": state.Aggregator.StartedAt().UnixMilli(),
		}, nil
	}

	var sink webgl.Notifier
	if t.sink != nil {
		sink = t.sink(sessionID)
	}
	agg := webgl.NewAggregator(sessionID, cfg, sink)

	// A fresh collection starts from a clean slate, but keeps the tracker
	// instance so concurrent dispatches never land between two trackers.
	tr := tracker.NewTracker()
	if attached && state.Tracker != nil {
		tr = state.Tracker
		tr.Reset()
	}
	t.pipeline.Attach(&tracker.SessionState{
		SessionID:  sessionID,
		Tracker:    tr,
		Aggregator: agg,
	})
	agg.Start()

	now := time.Now()
	if t.engine != nil {
		_ = t.engine.AddFacts(ctx, []mangle.Fact{
			mangle.SessionEventFact(sessionID, "collection_started", now),
		})
	}

	result := map[string]interface{}{
		"session_id":             sessionID,
		"status":                 "collecting",
		"batch_interval_ms":      cfg.BatchInterval().Milliseconds(),
		"max_batch_size":         cfg.GetMaxBatchSize(),
		"collection_duration_ms": cfg.CollectionDuration().Milliseconds(),
		"max_errors_before_stop": cfg.GetMaxErrorsBeforeStop(),
	}
	t.recorder.Log(recorder.EventCollectionStarted, sessionID, result)
	return result, nil
}

// StopErrorCollectionTool ends a session's collection, flushing whatever
// groups are still open.
type StopErrorCollectionTool struct {
	pipeline *tracker.Registry
	engine   *mangle.Engine
	recorder *recorder.Recorder
}

func (t *StopErrorCollectionTool) Name() string { return "stop-error-collection" }
func (t *StopErrorCollectionTool) Description() string {
	return `Stop collecting WebGL errors for a session.

WHAT IT DOES:
- Flushes open error groups into final notifications
- Emits a collection summary notification when errors were seen
- Leaves the dedup tracker intact for get-webgl-errors

Safe to call when the collection already stopped itself (duration or
volume); stopping twice reports the original stop reason.

Returns: {session_id, status: "stopped", was_active, total_errors,
distinct_errors, stop_reason}`
}
func (t *StopErrorCollectionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose collection to stop",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *StopErrorCollectionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	state, ok := t.pipeline.Lookup(sessionID)
	if !ok || state.Aggregator == nil {
		return nil, fmt.Errorf("no error collection for session: %s", sessionID)
	}

	wasActive := state.Aggregator.IsActive()
	state.Aggregator.Stop()

	now := time.Now()
	if t.engine != nil {
		_ = t.engine.AddFacts(ctx, []mangle.Fact{
			mangle.SessionEventFact(sessionID, "collection_stopped", now),
		})
	}

	distinct := 0
	if state.Tracker != nil {
		distinct = state.Tracker.Len()
	}
	result := map[string]interface{}{
		"session_id":      sessionID,
		"status":          "stopped",
		"was_active":      wasActive,
		"total_errors":    state.Aggregator.TotalErrorCount(),
		"distinct_errors": distinct,
		"stop_reason":     state.Aggregator.StopReason(),
	}
	t.recorder.Log(recorder.EventCollectionStopped, sessionID, result)
	return result, nil
}

// GetWebGLErrorsTool reports a session's deduplicated errors, falling back to
// the fact ledger when no collection pipeline was ever attached.
type GetWebGLErrorsTool struct {
	pipeline *tracker.Registry
	engine   *mangle.Engine
}

func (t *GetWebGLErrorsTool) Name() string { return "get-webgl-errors" }
func (t *GetWebGLErrorsTool) Description() string {
	return `Get the deduplicated WebGL/shader errors observed in a session.

WHAT YOU GET:
- One entry per distinct error with count, weight, and seen window
- Shader entries carry kind/stage/line plus a summarized info log
- Comparison failures from the same time window, for correlating
  "test failed" with "shaders broke"

WHEN TO USE:
- After run-visual-test failed, to see whether rendering errors explain it
- After stop-error-collection, to inspect what the notifications grouped
- Any time, even without an active collection (facts are always recorded)

FILTERING: since_ms (unix milliseconds) drops entries last seen earlier.

Returns: {session_id, collecting, distinct_errors, total_weight,
errors: [...], related_comparison_failures: [...]}`
}
func (t *GetWebGLErrorsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose errors to report",
			},
			"since_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only include errors last seen at or after this unix-ms timestamp",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *GetWebGLErrorsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	var since time.Time
	if sinceMs := getIntArg(args, "since_ms", 0); sinceMs > 0 {
		since = time.UnixMilli(int64(sinceMs))
	}

	collecting := false
	totalWeight := 0
	errors := make([]map[string]interface{}, 0)

	state, attached := t.pipeline.Lookup(sessionID)
	if attached {
		if state.Aggregator != nil {
			collecting = state.Aggregator.IsActive()
		}
		if state.Tracker != nil {
			totalWeight = state.Tracker.TotalWeight()
			for _, te := range state.Tracker.Snapshot() {
				if !since.IsZero() && te.LastSeen.Before(since) {
					continue
				}
				errors = append(errors, trackedErrorEntry(te))
			}
		}
	}

	// A session that never had a collection attached still recorded facts.
	if !attached && t.engine != nil {
		errors = append(errors, factErrorEntries(t.engine, sessionID, since)...)
		for _, e := range errors {
			if w, ok := e["weight"].(int); ok {
				totalWeight += w
			}
		}
	}

	result := map[string]interface{}{
		"session_id":      sessionID,
		"collecting":      collecting,
		"distinct_errors": len(errors),
		"total_weight":    totalWeight,
		"errors":          errors,
	}

	if t.engine != nil {
		if failures := comparisonFailures(t.engine, sessionID, since); len(failures) > 0 {
			result["related_comparison_failures"] = failures
		}
	}
	return result, nil
}

// trackedErrorEntry renders one dedup bucket, attaching detail from the most
// recent event that landed in it.
func trackedErrorEntry(te tracker.TrackedError) map[string]interface{} {
	entry := map[string]interface{}{
		"signature":  te.Signature,
		"count":      te.Count,
		"weight":     te.Weight,
		"first_seen": te.FirstSeen.UnixMilli(),
		"last_seen":  te.LastSeen.UnixMilli(),
	}

	switch ev := te.Last.(type) {
	case *webgl.ShaderError:
		entry["kind"] = ev.Kind
		if ev.Stage != "" {
			entry["stage"] = ev.Stage
		}
		if ev.Line > 0 {
			entry["line"] = ev.Line
		}
		entry["log"] = shaderlog.Summarize(ev.Log, 3)
	case *webgl.RuntimeError:
		entry["message"] = ev.Message
		if ev.FunctionName != "" {
			entry["function"] = ev.FunctionName
		}
	}
	return entry
}

// factErrorEntries rebuilds error entries from the ledger for sessions whose
// pipeline was never attached. Facts carry less detail than tracked events.
func factErrorEntries(engine *mangle.Engine, sessionID string, since time.Time) []map[string]interface{} {
	entries := make([]map[string]interface{}, 0)

	for _, f := range engine.FactsByPredicate(mangle.PredWebGLError) {
		if len(f.Args) < 4 || fmt.Sprintf("%v", f.Args[0]) != sessionID {
			continue
		}
		ts := factTimestamp(f.Args[3], f.Timestamp)
		if !since.IsZero() && ts.Before(since) {
			continue
		}
		weight := 1
		if w, ok := coerceInt(f.Args[2]); ok {
			weight = w
		}
		entries = append(entries, map[string]interface{}{
			"signature": fmt.Sprintf("%v", f.Args[1]),
			"count":     1,
			"weight":    weight,
			"last_seen": ts.UnixMilli(),
		})
	}

	for _, f := range engine.FactsByPredicate(mangle.PredShaderError) {
		if len(f.Args) < 5 || fmt.Sprintf("%v", f.Args[0]) != sessionID {
			continue
		}
		ts := factTimestamp(f.Args[4], f.Timestamp)
		if !since.IsZero() && ts.Before(since) {
			continue
		}
		entry := map[string]interface{}{
			"signature": "shader:" + fmt.Sprintf("%v", f.Args[1]) + ":" + fmt.Sprintf("%v", f.Args[2]),
			"kind":      fmt.Sprintf("%v", f.Args[1]),
			"stage":     fmt.Sprintf("%v", f.Args[2]),
			"count":     1,
			"weight":    1,
			"last_seen": ts.UnixMilli(),
		}
		if line, ok := coerceInt(f.Args[3]); ok && line > 0 {
			entry["line"] = line
		}
		entries = append(entries, entry)
	}

	return entries
}

// comparisonFailures pulls mismatched screenshot comparisons for the session
// within the window, so error reports carry the visual fallout alongside.
func comparisonFailures(engine *mangle.Engine, sessionID string, since time.Time) []map[string]interface{} {
	failures := make([]map[string]interface{}, 0)
	for _, f := range engine.FactsByPredicate(mangle.PredScreenshotCompared) {
		if len(f.Args) < 5 || fmt.Sprintf("%v", f.Args[0]) != sessionID {
			continue
		}
		if match, ok := f.Args[2].(bool); !ok || match {
			continue
		}
		ts := factTimestamp(f.Args[4], f.Timestamp)
		if !since.IsZero() && ts.Before(since) {
			continue
		}
		entry := map[string]interface{}{
			"test_name": fmt.Sprintf("%v", f.Args[1]),
			"ts":        ts.UnixMilli(),
		}
		if diff, ok := f.Args[3].(float64); ok {
			entry["difference"] = diff
		}
		failures = append(failures, entry)
	}
	return failures
}

// factTimestamp prefers the unix-ms argument recorded in the fact itself and
// falls back to the buffer timestamp.
func factTimestamp(arg interface{}, fallback time.Time) time.Time {
	if ms, ok := coerceInt64(arg); ok && ms > 0 {
		return time.UnixMilli(ms)
	}
	return fallback
}

func coerceInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func coerceInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
