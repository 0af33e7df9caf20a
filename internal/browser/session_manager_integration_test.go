package browser

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"glsnap-mcp-server/internal/config"
	"glsnap-mcp-server/internal/mangle"
	"glsnap-mcp-server/internal/tracker"
)

// TestIntegrationSessionManager exercises session management against a real
// browser. Set SKIP_LIVE_TESTS="" to run these tests with a live browser;
// GLSNAP_TEST_CHROME_BIN overrides the Chrome binary.
func TestIntegrationSessionManager(t *testing.T) {
	if os.Getenv("SKIP_LIVE_TESTS") != "" {
		t.Skip("Skipping integration tests (SKIP_LIVE_TESTS set)")
	}

	sink := &mockEngineSink{}
	registry := tracker.NewRegistry()

	cfg := config.BrowserConfig{
		Headless:        integrationBoolPtr(true),
		Launch:          integrationChromeLaunch(),
		SessionStore:    filepath.Join(t.TempDir(), "sessions.json"),
		ProbePollMs:     100,
		EventThrottleMs: 0,
	}

	manager := NewSessionManager(cfg, registry, sink)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	// Test requires a Chrome binary to be available. If Chrome is not
	// available, skip the entire test.
	if err := manager.Start(ctx); err != nil {
		t.Skipf("Browser start failed (Chrome not available or not configured): %v", err)
	}
	if !manager.IsConnected() {
		t.Fatal("expected IsConnected to return true after Start")
	}
	if manager.ControlURL() == "" {
		t.Fatal("expected non-empty control URL after Start")
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = manager.Shutdown(shutdownCtx)
	}()

	var sessionID string

	t.Run("CreateSession", func(t *testing.T) {
		session, err := manager.CreateSession(ctx, "about:blank")
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		if session.ID == "" {
			t.Error("expected non-empty session ID")
		}
		if session.Status != "active" {
			t.Errorf("expected status 'active', got %q", session.Status)
		}

		sessionID = session.ID
	})

	t.Run("List sessions", func(t *testing.T) {
		sessions := manager.List()
		if len(sessions) == 0 {
			t.Error("expected at least one session")
		}

		found := false
		for _, s := range sessions {
			if s.ID == sessionID {
				found = true
				break
			}
		}
		if !found {
			t.Error("created session not found in list")
		}
	})

	t.Run("GetSession", func(t *testing.T) {
		session, ok := manager.GetSession(sessionID)
		if !ok {
			t.Fatal("GetSession failed to retrieve session")
		}
		if session.ID != sessionID {
			t.Errorf("expected session ID %q, got %q", sessionID, session.ID)
		}
	})

	t.Run("UpdateMetadata", func(t *testing.T) {
		manager.UpdateMetadata(sessionID, func(s Session) Session {
			s.Title = "Updated Title"
			return s
		})

		session, ok := manager.GetSession(sessionID)
		if !ok {
			t.Fatal("GetSession failed after update")
		}
		if session.Title != "Updated Title" {
			t.Errorf("expected title 'Updated Title', got %q", session.Title)
		}
	})

	t.Run("Navigate waits for load", func(t *testing.T) {
		testHTML := `<!DOCTYPE html>
<html>
<head><title>Probe Page</title></head>
<body><canvas id="scene"></canvas></body>
</html>`
		dataURL := "data:text/html;charset=utf-8," + testHTML

		finalURL, err := manager.Navigate(ctx, sessionID, dataURL, "load")
		if err != nil {
			t.Fatalf("Navigate failed: %v", err)
		}
		if finalURL == "" {
			t.Error("expected non-empty final URL")
		}

		session, _ := manager.GetSession(sessionID)
		if session.URL == "about:blank" {
			t.Error("expected session URL to update after navigation")
		}
	})

	t.Run("Probe buffer drains into pipeline", func(t *testing.T) {
		registry.Attach(&tracker.SessionState{
			SessionID: sessionID,
			Tracker:   tracker.NewTracker(),
		})

		page, ok := manager.Page(sessionID)
		if !ok {
			t.Fatal("Page not found")
		}

		// The bootstrap installed on new documents created the buffer; push a
		// synthetic record the way the in-page hooks would.
		pushJS := `() => {
	var buf = window.__glsnapErrors = window.__glsnapErrors || [];
	buf.push({kind: 'runtime', message: 'INVALID_OPERATION: useProgram', fn: 'useProgram', count: 2, ts: Date.now()});
	return buf.length;
}`
		if _, err := page.Eval(pushJS); err != nil {
			t.Fatalf("pushing synthetic record failed: %v", err)
		}

		state, _ := registry.Lookup(sessionID)
		if !integrationWaitFor(5*time.Second, func() bool {
			return state.Tracker.TotalWeight() >= 2
		}) {
			t.Fatalf("probe record never reached the tracker (weight=%d)", state.Tracker.TotalWeight())
		}

		found := false
		for _, te := range state.Tracker.Snapshot() {
			if te.Signature == "webgl:INVALID_OPERATION:useProgram" {
				found = true
			}
		}
		if !found {
			t.Error("expected useProgram signature in tracker snapshot")
		}

		if facts := sink.byPredicate(mangle.PredWebGLError); len(facts) == 0 {
			t.Error("expected webgl_error facts from the drain")
		}
	})

	t.Run("Console errors fold into the pipeline", func(t *testing.T) {
		page, _ := manager.Page(sessionID)

		consoleJS := `() => {
	console.error('WebGL: INVALID_ENUM: enable: invalid capability');
	return true;
}`
		if _, err := page.Eval(consoleJS); err != nil {
			t.Fatalf("console eval failed: %v", err)
		}

		state, _ := registry.Lookup(sessionID)
		if !integrationWaitFor(5*time.Second, func() bool {
			for _, te := range state.Tracker.Snapshot() {
				if strings.HasPrefix(te.Signature, "webgl:INVALID_ENUM") {
					return true
				}
			}
			return false
		}) {
			t.Error("console error never reached the tracker")
		}
	})

	t.Run("CaptureScreenshot", func(t *testing.T) {
		data, err := manager.CaptureScreenshot(ctx, sessionID, false)
		if err != nil {
			t.Fatalf("CaptureScreenshot failed: %v", err)
		}
		if len(data) == 0 {
			t.Fatal("expected non-empty screenshot")
		}
		if !bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")) {
			t.Error("expected PNG output")
		}
	})

	t.Run("Attach to existing target", func(t *testing.T) {
		page, _ := manager.Page(sessionID)
		if page == nil {
			t.Skip("No page available for attach test")
		}

		session, err := manager.Attach(ctx, string(page.TargetID))
		if err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
		if session.ID == "" {
			t.Error("expected non-empty attached session ID")
		}
		if session.Status != "attached" {
			t.Errorf("expected status 'attached', got %q", session.Status)
		}
	})

	t.Run("Session persistence", func(t *testing.T) {
		data, err := os.ReadFile(cfg.SessionStore)
		if err != nil {
			t.Fatalf("reading session store: %v", err)
		}
		if !strings.Contains(string(data), sessionID) {
			t.Error("expected persisted store to contain the session ID")
		}
	})

	t.Run("CloseSession", func(t *testing.T) {
		if err := manager.CloseSession(ctx, sessionID); err != nil {
			t.Fatalf("CloseSession failed: %v", err)
		}
		if _, found := manager.Page(sessionID); found {
			t.Error("expected session to be gone after close")
		}
	})

	t.Run("Browser reconnect", func(t *testing.T) {
		if err := manager.Start(ctx); err != nil {
			t.Errorf("Browser reconnect failed: %v", err)
		}
		if !manager.IsConnected() {
			t.Error("expected browser to remain connected after reconnect")
		}
	})
}

func integrationBoolPtr(b bool) *bool {
	return &b
}

func integrationChromeLaunch() []string {
	bin := os.Getenv("GLSNAP_TEST_CHROME_BIN")
	if bin == "" {
		bin = "chrome"
	}
	return []string{bin, "--no-sandbox", "--disable-gpu"}
}

func integrationWaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}
