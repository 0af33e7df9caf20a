package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"glsnap-mcp-server/internal/browser"
	"glsnap-mcp-server/internal/compare"
	"glsnap-mcp-server/internal/config"
	"glsnap-mcp-server/internal/mangle"
	"glsnap-mcp-server/internal/recorder"
)

// comparatorFor picks the shared comparator unless the call overrides the
// mismatch threshold, in which case a one-shot comparator is built.
func comparatorFor(base *compare.Comparator, cfg config.ComparatorConfig, args map[string]interface{}) *compare.Comparator {
	if _, ok := args["threshold"]; !ok {
		return base
	}
	th := getFloatArg(args, "threshold", cfg.GetThreshold())
	cfg.Threshold = &th
	return compare.NewComparator(cfg)
}

// ScreenshotTool captures a plain PNG of a session's page and saves it.
type ScreenshotTool struct {
	sessions *browser.SessionManager
	engine   *mangle.Engine
	recorder *recorder.Recorder
}

func (t *ScreenshotTool) Name() string { return "screenshot" }
func (t *ScreenshotTool) Description() string {
	return `Capture a PNG screenshot of a session's page and save it to disk.

WHEN TO USE:
- Eyeballing what a WebGL scene currently renders
- Grabbing evidence after an error collection flagged a session
- Ad-hoc captures outside the baseline/compare workflow

For regression testing prefer capture-baseline + compare-screenshots,
or run-visual-test which does the whole cycle in one call.

Returns: {session_id, file_path, size_bytes, full_page}`
}
func (t *ScreenshotTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose page to capture",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the full scrollable page instead of the viewport (default: false)",
			},
			"save_path": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Force save to this path. If omitted, defaults to ./screenshots/",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	fullPage := getBoolArg(args, "full_page", false)
	savePath := getStringArg(args, "save_path")

	data, err := t.sessions.CaptureScreenshot(ctx, sessionID, fullPage)
	if err != nil {
		return nil, err
	}

	if savePath == "" {
		cwd, _ := os.Getwd()
		savePath = filepath.Join(cwd, "screenshots", fmt.Sprintf("screenshot_%s_%d.png", sessionID, time.Now().UnixMilli()))
	}
	if dir := filepath.Dir(savePath); dir != "" && dir != "." {
		if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
			return nil, fmt.Errorf("create screenshot directory: %w", mkErr)
		}
	}
	if writeErr := os.WriteFile(savePath, data, 0644); writeErr != nil {
		return nil, fmt.Errorf("write screenshot: %w", writeErr)
	}

	now := time.Now()
	if t.engine != nil {
		_ = t.engine.AddFacts(ctx, []mangle.Fact{
			mangle.SessionEventFact(sessionID, "screenshot", now),
		})
	}
	t.recorder.Log(recorder.EventScreenshot, sessionID, map[string]interface{}{
		"path":       savePath,
		"size_bytes": len(data),
		"full_page":  fullPage,
	})

	return map[string]interface{}{
		"session_id": sessionID,
		"file_path":  savePath,
		"size_bytes": len(data),
		"full_page":  fullPage,
	}, nil
}

// CaptureBaselineTool stores the current capture as the named test's baseline.
type CaptureBaselineTool struct {
	sessions  *browser.SessionManager
	baselines *compare.BaselineStore
	engine    *mangle.Engine
	recorder  *recorder.Recorder
}

func (t *CaptureBaselineTool) Name() string { return "capture-baseline" }
func (t *CaptureBaselineTool) Description() string {
	return `Capture the session's page and store it as the baseline for a test name.

WHEN TO USE:
- Establishing the known-good rendering for a new visual test
- Intentionally accepting a rendering change (re-baseline)

WHAT IT DOES:
- Captures a PNG of the page as it renders right now
- Validates and writes it under the baseline directory, replacing any
  previous baseline for the same test name

WORKFLOW:
1. navigate the session to the scene under test
2. capture-baseline(session_id, test_name)
3. Later runs: compare-screenshots or run-visual-test against it

Returns: {test_name, baseline_path, size_bytes, status: "saved"}`
}
func (t *CaptureBaselineTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose page to capture",
			},
			"test_name": map[string]interface{}{
				"type":        "string",
				"description": "Name of the visual test this baseline belongs to",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the full scrollable page instead of the viewport (default: false)",
			},
		},
		"required": []string{"session_id", "test_name"},
	}
}
func (t *CaptureBaselineTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	testName := getStringArg(args, "test_name")
	if testName == "" {
		return nil, fmt.Errorf("test_name is required")
	}
	fullPage := getBoolArg(args, "full_page", false)

	data, err := t.sessions.CaptureScreenshot(ctx, sessionID, fullPage)
	if err != nil {
		return nil, err
	}

	path, err := t.baselines.Save(testName, data)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if t.engine != nil {
		_ = t.engine.AddFacts(ctx, []mangle.Fact{
			mangle.BaselineSavedFact(testName, path, now),
		})
	}
	t.recorder.Log(recorder.EventBaselineSaved, sessionID, map[string]interface{}{
		"test_name": testName,
		"path":      path,
	})

	return map[string]interface{}{
		"test_name":     testName,
		"baseline_path": path,
		"size_bytes":    len(data),
		"status":        "saved",
	}, nil
}

// CompareScreenshotsTool captures the session's page and diffs it against the
// stored baseline for a test name.
type CompareScreenshotsTool struct {
	cfg        config.ComparatorConfig
	sessions   *browser.SessionManager
	baselines  *compare.BaselineStore
	comparator *compare.Comparator
	engine     *mangle.Engine
	recorder   *recorder.Recorder
}

func (t *CompareScreenshotsTool) Name() string { return "compare-screenshots" }
func (t *CompareScreenshotsTool) Description() string {
	return `Capture the session's page and compare it against the stored baseline.

PREREQUISITE: A baseline must exist for the test name (capture-baseline).

HOW MATCHING WORKS:
- Pixels differ when any channel delta exceeds the noise tolerance
- The capture matches when the differing-pixel percentage stays within
  the threshold (per-call threshold overrides the configured default)
- Dimension mismatch is always a 100% difference

ON MISMATCH:
- A diff image (differing pixels painted red, stamped with the
  difference percentage) is written to the diff directory

Returns: {test_name, match, difference, diff_pixels, total_pixels,
baseline_path, diff_path?, status: "passed"|"failed"}`
}
func (t *CompareScreenshotsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose page to capture",
			},
			"test_name": map[string]interface{}{
				"type":        "string",
				"description": "Visual test whose baseline to compare against",
			},
			"threshold": map[string]interface{}{
				"type":        "number",
				"description": "Optional mismatch tolerance in percent, overriding the configured default",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the full scrollable page instead of the viewport (default: false)",
			},
		},
		"required": []string{"session_id", "test_name"},
	}
}
func (t *CompareScreenshotsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	testName := getStringArg(args, "test_name")
	if testName == "" {
		return nil, fmt.Errorf("test_name is required")
	}
	fullPage := getBoolArg(args, "full_page", false)

	if !t.baselines.Exists(testName) {
		return nil, fmt.Errorf("no baseline stored for %q: run capture-baseline first", testName)
	}
	baselineData, err := t.baselines.Load(testName)
	if err != nil {
		return nil, err
	}

	currentData, err := t.sessions.CaptureScreenshot(ctx, sessionID, fullPage)
	if err != nil {
		return nil, err
	}

	cmp := comparatorFor(t.comparator, t.cfg, args)
	result, err := cmp.CompareBytes(baselineData, currentData)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if t.engine != nil {
		_ = t.engine.AddFacts(ctx, []mangle.Fact{
			mangle.ScreenshotComparedFact(sessionID, testName, result.Match, result.Difference, now),
		})
	}
	t.recorder.Log(recorder.EventComparison, sessionID, map[string]interface{}{
		"test_name":  testName,
		"match":      result.Match,
		"difference": result.Difference,
		"diff_path":  result.DiffPath,
	})

	return comparisonPayload(testName, t.baselines.Path(testName), result), nil
}

// comparisonPayload renders a compare result as a tool payload. diff_path is
// only present on mismatch, and status mirrors match for quick triage.
func comparisonPayload(testName, baselinePath string, result compare.Result) map[string]interface{} {
	status := "passed"
	if !result.Match {
		status = "failed"
	}
	payload := map[string]interface{}{
		"test_name":     testName,
		"match":         result.Match,
		"difference":    result.Difference,
		"diff_pixels":   result.DiffPixels,
		"total_pixels":  result.TotalPixels,
		"baseline_path": baselinePath,
		"status":        status,
	}
	if result.DiffPath != "" {
		payload["diff_path"] = result.DiffPath
	}
	return payload
}

// RunVisualTestTool is the one-call regression cycle: navigate, settle,
// capture, compare, bootstrapping the baseline when none exists yet.
type RunVisualTestTool struct {
	cfg        config.ComparatorConfig
	sessions   *browser.SessionManager
	baselines  *compare.BaselineStore
	comparator *compare.Comparator
	engine     *mangle.Engine
	recorder   *recorder.Recorder
}

func (t *RunVisualTestTool) Name() string { return "run-visual-test" }
func (t *RunVisualTestTool) Description() string {
	return `Run one complete visual regression cycle for a named test.

WHAT IT DOES:
1. Optionally navigates the session to a URL (waits for load)
2. Waits settle_ms for animations/rendering to stabilize
3. Captures the page
4. First run: stores the capture as the baseline ("baseline_created")
5. Later runs: compares against the baseline ("passed"/"failed")

WHEN TO USE:
- The standard per-scene check in a WebGL regression suite
- CI-style flows where one call per test keeps transcripts short

PAIR WITH start-error-collection to catch shader/runtime errors that a
pixel-perfect frame would hide (blank canvas renders "correctly").

Returns: {test_name, status: "baseline_created"|"passed"|"failed", ...}
with comparison details on later runs.`
}
func (t *RunVisualTestTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to run the test in",
			},
			"test_name": map[string]interface{}{
				"type":        "string",
				"description": "Name of the visual test",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL to navigate before capturing",
			},
			"settle_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Milliseconds to wait after load before capturing (default: 0)",
			},
			"threshold": map[string]interface{}{
				"type":        "number",
				"description": "Optional mismatch tolerance in percent, overriding the configured default",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the full scrollable page instead of the viewport (default: false)",
			},
		},
		"required": []string{"session_id", "test_name"},
	}
}
func (t *RunVisualTestTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	testName := getStringArg(args, "test_name")
	if testName == "" {
		return nil, fmt.Errorf("test_name is required")
	}
	fullPage := getBoolArg(args, "full_page", false)

	if url := getStringArg(args, "url"); url != "" {
		if _, err := t.sessions.Navigate(ctx, sessionID, url, "load"); err != nil {
			return nil, err
		}
	}

	if settle := getIntArg(args, "settle_ms", 0); settle > 0 {
		if err := sleepWithContext(ctx, time.Duration(settle)*time.Millisecond); err != nil {
			return nil, err
		}
	}

	currentData, err := t.sessions.CaptureScreenshot(ctx, sessionID, fullPage)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if !t.baselines.Exists(testName) {
		path, saveErr := t.baselines.Save(testName, currentData)
		if saveErr != nil {
			return nil, saveErr
		}
		if t.engine != nil {
			_ = t.engine.AddFacts(ctx, []mangle.Fact{
				mangle.BaselineSavedFact(testName, path, now),
			})
		}
		t.recorder.Log(recorder.EventVisualTest, sessionID, map[string]interface{}{
			"test_name": testName,
			"status":    "baseline_created",
			"path":      path,
		})
		return map[string]interface{}{
			"test_name":     testName,
			"status":        "baseline_created",
			"baseline_path": path,
			"message":       "No baseline existed; the current capture is now the baseline",
		}, nil
	}

	baselineData, err := t.baselines.Load(testName)
	if err != nil {
		return nil, err
	}

	cmp := comparatorFor(t.comparator, t.cfg, args)
	result, err := cmp.CompareBytes(baselineData, currentData)
	if err != nil {
		return nil, err
	}

	if t.engine != nil {
		_ = t.engine.AddFacts(ctx, []mangle.Fact{
			mangle.ScreenshotComparedFact(sessionID, testName, result.Match, result.Difference, now),
		})
	}
	payload := comparisonPayload(testName, t.baselines.Path(testName), result)
	t.recorder.Log(recorder.EventVisualTest, sessionID, map[string]interface{}{
		"test_name":  testName,
		"status":     payload["status"],
		"difference": result.Difference,
		"diff_path":  result.DiffPath,
	})
	return payload, nil
}

// ListBaselinesTool enumerates stored baseline images.
type ListBaselinesTool struct {
	baselines *compare.BaselineStore
}

func (t *ListBaselinesTool) Name() string { return "list-baselines" }
func (t *ListBaselinesTool) Description() string {
	return `List all stored baseline images with their dimensions and ages.

WHEN TO USE:
- Discovering which visual tests already have baselines
- Auditing stale baselines after a renderer upgrade
- Checking dimensions before comparing captures from a resized viewport

Returns: {baselines: [{name, path, width, height, size_bytes,
modified_at}], count, directory}`
}
func (t *ListBaselinesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListBaselinesTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	infos, err := t.baselines.List()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"baselines": infos,
		"count":     len(infos),
		"directory": t.baselines.Dir(),
	}, nil
}
