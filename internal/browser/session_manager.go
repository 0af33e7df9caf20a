package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"glsnap-mcp-server/internal/config"
	"glsnap-mcp-server/internal/mangle"
	"glsnap-mcp-server/internal/tracker"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// Session describes the public metadata for a tracked browser context.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta Session
	page *rod.Page
}

type eventThrottler struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newEventThrottler(ms int) *eventThrottler {
	if ms <= 0 {
		return nil
	}
	return &eventThrottler{
		interval: time.Duration(ms) * time.Millisecond,
		last:     make(map[string]time.Time),
	}
}

func (t *eventThrottler) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.last[key]; ok {
		if now.Sub(last) < t.interval {
			return false
		}
	}
	t.last[key] = now
	return true
}

// SessionManager owns the detached Chrome instance and tracks active
// sessions. Each session carries the injected WebGL probe; drained probe
// events flow into the per-session pipeline registered in the tracker
// registry and into the fact ledger.
type SessionManager struct {
	cfg      config.BrowserConfig
	pipeline *tracker.Registry
	engine   EngineSink

	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string // WebSocket URL for DevTools
}

// EngineSink defines the minimal interface we need from the logic layer.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// NewSessionManager builds a manager. Both pipeline and sink may be nil;
// error dispatch then degrades to whatever collaborator is present.
func NewSessionManager(cfg config.BrowserConfig, pipeline *tracker.Registry, sink EngineSink) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		pipeline: pipeline,
		engine:   sink,
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	// If we already have a browser, verify it's still alive
	if m.browser != nil {
		_, err := m.browser.Version()
		if err == nil {
			return nil // Browser is healthy, reuse it
		}
		// Browser is dead, clean up and reconnect
		log.Printf("Stale browser connection detected, reconnecting...")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		// Clear all sessions since they're orphaned
		m.mu.Lock()
		m.sessions = make(map[string]*sessionRecord)
		m.mu.Unlock()
	}

	if err := m.loadSessions(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		if len(m.cfg.Launch) > 1 {
			for _, rawFlag := range m.cfg.Launch[1:] {
				flagStr := strings.TrimLeft(rawFlag, "-")
				name, val, hasVal := strings.Cut(flagStr, "=")
				if hasVal {
					launch = launch.Set(flags.Flag(name), val)
				} else {
					launch = launch.Set(flags.Flag(name))
				}
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			if alt, altErr := fallback.Launch(); altErr == nil {
				controlURL = alt
			} else {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.mu.Lock()
	m.browser = browser
	m.controlURL = controlURL
	m.mu.Unlock()
	log.Printf("Browser connected at %s", controlURL)
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the underlying browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, record := range m.sessions {
		if record.page != nil {
			_ = record.page.Close()
		}
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	log.Printf("Browser shutdown complete")
	return err
}

// List returns lightweight metadata for all known sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, record := range m.sessions {
		results = append(results, record.meta)
	}
	return results
}

// CreateSession opens a new incognito page, arms the WebGL probe in it, and
// tracks it. The page starts on about:blank so the probe is installed before
// the target URL runs a single script; navigation then happens best-effort.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	if m.browser == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := m.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     "active",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	if m.cfg.ProbeEnabled() {
		m.installProbe(ctx, meta.ID, page)
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page}
	m.mu.Unlock()

	m.startErrorStream(ctx, meta.ID, page)

	if url != "" && url != "about:blank" {
		// Best-effort load; a slow or broken page is still a usable session.
		_ = page.Timeout(m.cfg.NavigationTimeout()).Navigate(url)
	}

	m.recordSessionEvent(ctx, meta.ID, "created", meta.CreatedAt)
	_ = m.persistSessions()

	return &meta, nil
}

// Attach binds to an existing target by TargetID. The probe is armed for
// future documents and swept over canvases the current document already has.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	if m.browser == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := m.browser.Timeout(m.cfg.AttachTimeout()).PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     "attached",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	if info, infoErr := page.Info(); infoErr == nil && info != nil {
		meta.URL = info.URL
		meta.Title = info.Title
	}

	if m.cfg.ProbeEnabled() {
		m.installProbe(ctx, meta.ID, page)
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page}
	m.mu.Unlock()

	m.startErrorStream(ctx, meta.ID, page)
	m.recordSessionEvent(ctx, meta.ID, "created", meta.CreatedAt)
	_ = m.persistSessions()
	return &meta, nil
}

// CloseSession closes one session's page and forgets its metadata.
func (m *SessionManager) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	if rec.page != nil {
		_ = rec.page.Close()
	}

	m.recordSessionEvent(ctx, sessionID, "closed", time.Now())
	_ = m.persistSessions()
	return nil
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.page, true
}

// UpdateMetadata allows tools to refresh metadata (e.g., URL/title after navigation).
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// Navigate drives the session's page to url and waits per waitUntil:
// "load" (default) waits for the load event, "networkidle" for the request
// stream to settle, "none" returns as soon as navigation is issued.
// The returned URL is the final one after redirects.
func (m *SessionManager) Navigate(ctx context.Context, sessionID, url, waitUntil string) (string, error) {
	page, ok := m.Page(sessionID)
	if !ok || page == nil {
		return "", fmt.Errorf("unknown session: %s", sessionID)
	}

	// Rod/CDP doesn't emit navigation events for same-URL navigation, which
	// leaves WaitLoad blocked on an event that never fires.
	if info, _ := page.Info(); info != nil && info.URL == url {
		return url, nil
	}

	timed := page.Context(ctx).Timeout(m.cfg.NavigationTimeout())

	var err error
	switch waitUntil {
	case "none":
		err = timed.Navigate(url)
	case "networkidle":
		wait := timed.MustWaitRequestIdle()
		err = timed.Navigate(url)
		if err == nil {
			wait()
		}
	default:
		err = timed.Navigate(url)
		if err == nil {
			err = timed.WaitLoad()
		}
	}
	if err != nil {
		return "", fmt.Errorf("navigate to %s: %w", url, err)
	}

	finalURL := url
	if info, _ := page.Info(); info != nil && info.URL != "" {
		finalURL = info.URL
	}

	m.UpdateMetadata(sessionID, func(s Session) Session {
		s.URL = finalURL
		s.LastActive = time.Now()
		return s
	})
	return finalURL, nil
}

// CaptureScreenshot returns a PNG of the session's page, full scrollable
// content when fullPage is set, viewport otherwise.
func (m *SessionManager) CaptureScreenshot(ctx context.Context, sessionID string, fullPage bool) ([]byte, error) {
	page, ok := m.Page(sessionID)
	if !ok || page == nil {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}

	data, err := page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}

	m.UpdateMetadata(sessionID, func(s Session) Session {
		s.LastActive = time.Now()
		return s
	})
	return data, nil
}

// persistSessions writes session metadata to disk for continuity across restarts.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		sessions = append(sessions, rec.meta)
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessions loads persisted metadata (does not auto-attach to pages).
func (m *SessionManager) loadSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		// Mark as detached; a caller can use attach-session to bind to a live target.
		s.Status = "detached"
		m.sessions[s.ID] = &sessionRecord{meta: s, page: nil}
	}
	return nil
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
