package mcp

import (
	"context"
	"fmt"
	"time"

	"glsnap-mcp-server/internal/browser"
	"glsnap-mcp-server/internal/mangle"
	"glsnap-mcp-server/internal/recorder"
	"glsnap-mcp-server/internal/tracker"
)

// LaunchBrowserTool starts Chrome using the configured launch command.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start a Chrome browser instance for WebGL testing.

CALL THIS FIRST before any session or screenshot tool.

WHAT IT DOES:
- Launches Chrome with DevTools Protocol enabled
- Configures based on server settings (headless, flags, etc.)
- Returns control URL for debugging

WHEN TO USE:
- Starting a new testing run
- After shutdown-browser to restart
- Idempotent: safe to call if already running

TYPICAL WORKFLOW:
1. launch-browser          -> Start Chrome
2. create-session          -> Open a tab with the probe armed
3. run-visual-test         -> Capture and compare
4. shutdown-browser        -> Cleanup (optional)

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}

	if err := t.sessions.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops the managed Chrome instance, the per-session
// error pipelines, and clears sessions.
type ShutdownBrowserTool struct {
	sessions *browser.SessionManager
	pipeline *tracker.Registry
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop the Chrome browser and clean up all sessions.

WHEN TO USE:
- End of a testing run to release resources
- Before restarting with different settings
- Cleanup after test failures

WHAT IT DOES:
- Stops every running error collection
- Closes all tracked sessions
- Terminates Chrome process

NOTE: The Mangle fact buffer and stored baselines persist after shutdown.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.pipeline != nil {
		t.pipeline.Shutdown()
	}
	if err := t.sessions.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}

type ListSessionsTool struct {
	sessions *browser.SessionManager
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List all browser sessions managed by the detached Rod instance.

USE THIS FIRST to discover existing sessions before creating new ones.
Returns session IDs needed for all other tools.

WHEN TO USE:
- At the start of a run to see what's available
- After creating sessions to confirm they exist
- Before closing sessions to get accurate IDs

Returns: Array of {id, target_id, url, title, status} for each session.`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": t.sessions.List()}, nil
}

type CreateSessionTool struct {
	sessions *browser.SessionManager
	recorder *recorder.Recorder
}

func (t *CreateSessionTool) Name() string { return "create-session" }
func (t *CreateSessionTool) Description() string {
	return `Create a new browser session with the WebGL error probe armed.

PREREQUISITE: Browser must be running (use launch-browser first if needed).

WHAT IT DOES:
- Opens an isolated incognito page on about:blank
- Installs the WebGL/shader error probe before any page script runs
- Navigates to the given URL once the probe is in place

WHEN TO USE:
- Starting a fresh visual test without prior state
- Isolating WebGL error streams per page under test

WORKFLOW:
1. launch-browser (if not running)
2. create-session (with optional starting URL)
3. Use returned session_id for screenshot and error tools

Returns: {session: {id, target_id, url, status}} - Use the ID for subsequent calls.`
}
func (t *CreateSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL to navigate after the probe is installed",
			},
		},
	}
}
func (t *CreateSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		url = "about:blank"
	}

	sess, err := t.sessions.CreateSession(ctx, url)
	if err != nil {
		return nil, err
	}

	t.recorder.Log(recorder.EventSessionCreated, sess.ID, map[string]interface{}{"url": sess.URL})
	return map[string]interface{}{"session": sess}, nil
}

type AttachSessionTool struct {
	sessions *browser.SessionManager
	recorder *recorder.Recorder
}

func (t *AttachSessionTool) Name() string { return "attach-session" }
func (t *AttachSessionTool) Description() string {
	return `Attach to an existing Chrome tab/window by its CDP TargetID.

USE INSTEAD OF create-session when:
- Testing a manually opened tab that already renders WebGL
- Resuming on a page opened by another process

The probe is armed for future documents and swept over canvases the
current document already has, so errors raised before attach are lost.

HOW TO GET target_id:
- From Chrome DevTools Protocol directly
- From chrome://inspect page

Returns: {session: {id, target_id, url, title, status}} for use with other tools.`
}
func (t *AttachSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "CDP TargetID to attach",
			},
		},
		"required": []string{"target_id"},
	}
}
func (t *AttachSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	targetID := getStringArg(args, "target_id")
	if targetID == "" {
		return nil, fmt.Errorf("target_id is required")
	}

	sess, err := t.sessions.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}

	t.recorder.Log(recorder.EventSessionCreated, sess.ID, map[string]interface{}{
		"target_id": targetID,
		"url":       sess.URL,
	})
	return map[string]interface{}{"session": sess}, nil
}

// CloseSessionTool closes one session's page and tears down its error pipeline.
type CloseSessionTool struct {
	sessions *browser.SessionManager
	pipeline *tracker.Registry
	recorder *recorder.Recorder
}

func (t *CloseSessionTool) Name() string { return "close-session" }
func (t *CloseSessionTool) Description() string {
	return `Close one browser session and release its error pipeline.

WHEN TO USE:
- A page under test is finished and its tab should go away
- Freeing resources without shutting the whole browser down

WHAT IT DOES:
- Stops any running error collection for the session
- Closes the page and forgets the session metadata

Recorded facts about the session stay in the Mangle buffer.`
}
func (t *CloseSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to close",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *CloseSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	if t.pipeline != nil {
		t.pipeline.Remove(sessionID)
	}
	if err := t.sessions.CloseSession(ctx, sessionID); err != nil {
		return nil, err
	}

	t.recorder.Log(recorder.EventSessionClosed, sessionID, nil)
	return map[string]interface{}{
		"session_id": sessionID,
		"status":     "closed",
	}, nil
}

// NavigateTool drives a session's page to a URL with configurable load waiting.
type NavigateTool struct {
	sessions *browser.SessionManager
	engine   *mangle.Engine
	recorder *recorder.Recorder
}

func (t *NavigateTool) Name() string { return "navigate" }
func (t *NavigateTool) Description() string {
	return `Navigate a session's page to a URL and wait for it to load.

WHEN TO USE:
- Pointing an existing session at the page under test
- Moving between scenes/routes of a WebGL app between captures

WAIT MODES (wait_until):
- "load" (default): wait for the load event
- "networkidle": wait for the request stream to settle (SPA-friendly)
- "none": return as soon as navigation is issued

The WebGL probe re-arms automatically on every new document, so errors
from the target page are captured from its first script onward.

Returns: {session_id, url, status} with the final URL after redirects.`
}
func (t *NavigateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose page to navigate",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Destination URL",
			},
			"wait_until": map[string]interface{}{
				"type":        "string",
				"description": "load | networkidle | none (default: load)",
			},
		},
		"required": []string{"session_id", "url"},
	}
}
func (t *NavigateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	url := getStringArg(args, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	waitUntil := getStringArg(args, "wait_until")

	finalURL, err := t.sessions.Navigate(ctx, sessionID, url, waitUntil)
	if err != nil {
		return nil, err
	}

	if t.engine != nil {
		_ = t.engine.AddFacts(ctx, []mangle.Fact{
			mangle.SessionEventFact(sessionID, "navigated", time.Now()),
		})
	}
	t.recorder.Log(recorder.EventNavigated, sessionID, map[string]interface{}{"url": finalURL})

	return map[string]interface{}{
		"session_id": sessionID,
		"url":        finalURL,
		"status":     "navigated",
	}, nil
}
