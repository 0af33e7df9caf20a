package browser

import (
	"context"
	"encoding/json"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"glsnap-mcp-server/internal/mangle"
	"glsnap-mcp-server/internal/shaderlog"
	"glsnap-mcp-server/internal/tracker"
	"glsnap-mcp-server/internal/webgl"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// webglProbeJS is the in-page half of error collection. It wraps getContext
// so every WebGL/WebGL2 context gets instrumented: failed compileShader and
// linkProgram calls capture their info logs (with the shader source shadowed
// via shaderSource), and error-prone calls are followed by a getError check.
// Identical errors within one poll window coalesce into a single record with
// a count, buffered on window.__glsnapErrors until the Go side drains it.
const webglProbeJS = `() => {
	const w = window;
	if (w.__glsnapHooked) {
		return true;
	}
	w.__glsnapHooked = true;
	w.__glsnapErrors = [];

	const LIMIT = 500;
	let index = new Map();

	w.__glsnapDrain = () => {
		const out = w.__glsnapErrors;
		w.__glsnapErrors = [];
		index = new Map();
		return out;
	};

	const push = (key, make) => {
		try {
			const buf = w.__glsnapErrors;
			const at = index.get(key);
			if (at !== undefined && buf[at]) {
				buf[at].count++;
				return;
			}
			if (buf.length >= LIMIT) {
				return;
			}
			const rec = make();
			rec.count = 1;
			rec.ts = Date.now();
			index.set(key, buf.length);
			buf.push(rec);
		} catch (e) {}
	};

	const ERROR_NAMES = {
		1280: 'INVALID_ENUM',
		1281: 'INVALID_VALUE',
		1282: 'INVALID_OPERATION',
		1285: 'OUT_OF_MEMORY',
		1286: 'INVALID_FRAMEBUFFER_OPERATION',
		37442: 'CONTEXT_LOST_WEBGL'
	};

	const CHECKED = [
		'useProgram', 'drawArrays', 'drawElements', 'drawArraysInstanced',
		'drawElementsInstanced', 'texImage2D', 'texSubImage2D', 'bufferData',
		'bufferSubData', 'readPixels', 'framebufferTexture2D',
		'vertexAttribPointer', 'uniform1f', 'uniform2f', 'uniform3f',
		'uniform4f', 'uniform1i', 'uniformMatrix3fv', 'uniformMatrix4fv'
	];

	const shaderMeta = new WeakMap();

	const stageOf = (gl, type) => {
		if (type === gl.VERTEX_SHADER) return 'vertex';
		if (type === gl.FRAGMENT_SHADER) return 'fragment';
		return '';
	};

	const instrument = (gl) => {
		if (!gl || gl.__glsnapWrapped) return;
		gl.__glsnapWrapped = true;

		const createShader = gl.createShader.bind(gl);
		gl.createShader = (type) => {
			const shader = createShader(type);
			if (shader) shaderMeta.set(shader, { stage: stageOf(gl, type), src: '' });
			return shader;
		};

		const shaderSource = gl.shaderSource.bind(gl);
		gl.shaderSource = (shader, src) => {
			const meta = shaderMeta.get(shader);
			if (meta) meta.src = String(src || '');
			return shaderSource(shader, src);
		};

		const compileShader = gl.compileShader.bind(gl);
		gl.compileShader = (shader) => {
			compileShader(shader);
			try {
				if (!gl.getShaderParameter(shader, gl.COMPILE_STATUS)) {
					const meta = shaderMeta.get(shader) || { stage: '', src: '' };
					const log = gl.getShaderInfoLog(shader) || 'shader compilation failed with empty info log';
					push('compile|' + meta.stage + '|' + log, () => ({
						kind: 'compile',
						stage: meta.stage,
						log: log,
						src: meta.src.slice(0, 2000)
					}));
				}
			} catch (e) {}
		};

		const linkProgram = gl.linkProgram.bind(gl);
		gl.linkProgram = (program) => {
			linkProgram(program);
			try {
				if (!gl.getProgramParameter(program, gl.LINK_STATUS)) {
					const log = gl.getProgramInfoLog(program) || 'program link failed with empty info log';
					push('link|' + log, () => ({ kind: 'link', log: log }));
				}
			} catch (e) {}
		};

		CHECKED.forEach((name) => {
			const orig = gl[name];
			if (typeof orig !== 'function') return;
			gl[name] = function () {
				const out = orig.apply(gl, arguments);
				try {
					// Reading the error flag consumes it, so application code
					// polling getError after this call sees NO_ERROR.
					const code = gl.getError();
					if (code !== 0) {
						const label = ERROR_NAMES[code] || ('0x' + code.toString(16).toUpperCase());
						push('runtime|' + label + '|' + name, () => ({
							kind: 'runtime',
							message: label + ': ' + name,
							fn: name
						}));
					}
				} catch (e) {}
				return out;
			};
		});
	};

	const hookGetContext = (proto) => {
		if (!proto || typeof proto.getContext !== 'function') return;
		const getContext = proto.getContext;
		proto.getContext = function (type) {
			const c = getContext.apply(this, arguments);
			if (c && (type === 'webgl' || type === 'webgl2' || type === 'experimental-webgl')) {
				try { instrument(c); } catch (e) {}
			}
			return c;
		};
	};

	hookGetContext(HTMLCanvasElement.prototype);
	if (typeof OffscreenCanvas !== 'undefined') {
		hookGetContext(OffscreenCanvas.prototype);
	}

	// Contexts created before the hook existed (attach to a running page) are
	// picked up by re-requesting each canvas context: getContext returns the
	// same object for a repeated type and null for a mismatched one.
	const sweep = () => {
		try {
			document.querySelectorAll('canvas').forEach((c) => {
				['webgl2', 'webgl', 'experimental-webgl'].forEach((t) => {
					try {
						const existing = c.getContext(t);
						if (existing) instrument(existing);
					} catch (e) {}
				});
			});
		} catch (e) {}
	};
	if (document.readyState === 'loading') {
		w.addEventListener('DOMContentLoaded', sweep);
	} else {
		sweep();
	}

	w.addEventListener('webglcontextlost', () => {
		push('runtime|CONTEXT_LOST_WEBGL|webglcontextlost', () => ({
			kind: 'runtime',
			message: 'CONTEXT_LOST_WEBGL: webglcontextlost fired, rendered state on this canvas is gone',
			fn: 'webglcontextlost'
		}));
	}, true);

	return true;
}`

// drainProbeJS empties the page buffer. The fallback path covers documents
// where only the new-document script ran and __glsnapDrain is absent.
const drainProbeJS = `() => {
	if (typeof window.__glsnapDrain === 'function') {
		return window.__glsnapDrain();
	}
	const buf = Array.isArray(window.__glsnapErrors) ? window.__glsnapErrors : [];
	window.__glsnapErrors = [];
	return buf;
}`

// probeBootstrap wraps the probe function into a script suitable for
// Page.addScriptToEvaluateOnNewDocument, which takes a statement, not a
// function literal.
func probeBootstrap() string {
	return "(" + webglProbeJS + ")();"
}

// probeRecord is the wire shape of one coalesced entry in the page buffer.
type probeRecord struct {
	Kind    string  `json:"kind"` // runtime | compile | link
	Message string  `json:"message,omitempty"`
	Fn      string  `json:"fn,omitempty"`
	Stage   string  `json:"stage,omitempty"`
	Log     string  `json:"log,omitempty"`
	Source  string  `json:"src,omitempty"`
	Count   int     `json:"count,omitempty"`
	TS      float64 `json:"ts,omitempty"`
}

// toEvent converts a drained record into the event model. Unknown kinds and
// empty runtime messages return nil and are skipped.
func (r probeRecord) toEvent(pageURL string) webgl.Event {
	ts := time.Now()
	if r.TS > 0 {
		ts = time.UnixMilli(int64(r.TS))
	}

	switch r.Kind {
	case "runtime":
		if strings.TrimSpace(r.Message) == "" {
			return nil
		}
		return &webgl.RuntimeError{
			Message:      r.Message,
			FunctionName: r.Fn,
			URL:          pageURL,
			Timestamp:    ts,
			Count:        r.Count,
		}
	case "compile":
		return &webgl.ShaderError{
			Kind:      webgl.KindCompilation,
			Stage:     r.Stage,
			Log:       r.Log,
			Source:    r.Source,
			Line:      shaderlog.FirstErrorLine(r.Log),
			URL:       pageURL,
			Timestamp: ts,
			Count:     r.Count,
		}
	case "link":
		return &webgl.ShaderError{
			Kind:      webgl.KindLinking,
			Log:       r.Log,
			Line:      shaderlog.FirstErrorLine(r.Log),
			URL:       pageURL,
			Timestamp: ts,
			Count:     r.Count,
		}
	}
	return nil
}

// decodeProbeRecords turns the drained JSON array into events. A malformed
// payload yields nothing; the next poll starts from a fresh buffer anyway.
func decodeProbeRecords(raw []byte, pageURL string) []webgl.Event {
	var records []probeRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil
	}

	events := make([]webgl.Event, 0, len(records))
	for _, r := range records {
		if ev := r.toEvent(pageURL); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

// Chrome reports driver errors on the console as "WebGL: CODE: fn: detail".
// The hint also admits GLSL/shader chatter logged by the application itself.
var webglConsoleHint = regexp.MustCompile(`(?i)\bwebgl\b|\bglsl\b|\bshader\b`)

// consoleRuntimeError folds a console error/warning line into a runtime
// event when it concerns WebGL. Chrome's own "WebGL: " prefix is stripped so
// grouping sees the raw "CODE: operation" shape.
func consoleRuntimeError(message string) (*webgl.RuntimeError, bool) {
	msg := strings.TrimSpace(message)
	if msg == "" || !webglConsoleHint.MatchString(msg) {
		return nil, false
	}
	msg = strings.TrimPrefix(msg, "WebGL: ")
	return &webgl.RuntimeError{
		Message:   msg,
		Timestamp: time.Now(),
	}, true
}

// installProbe arms the WebGL hooks for every document this page will load,
// and evaluates them in the document it already has.
func (m *SessionManager) installProbe(ctx context.Context, sessionID string, page *rod.Page) {
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{Source: probeBootstrap()}).Call(page); err != nil {
		log.Printf("[session:%s] probe install for future documents failed: %v", sessionID, err)
	}
	if _, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           webglProbeJS,
		ByValue:      true,
		AwaitPromise: true,
	}); err != nil {
		log.Printf("[session:%s] probe install failed: %v", sessionID, err)
	}
}

// startErrorStream wires the session's error sources: frame navigations for
// metadata upkeep, console entries that concern WebGL, and the probe buffer.
func (m *SessionManager) startErrorStream(ctx context.Context, sessionID string, page *rod.Page) {
	go func() {
		var wg sync.WaitGroup

		throttler := newEventThrottler(m.cfg.EventThrottleMs)

		waitNav := page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
			now := time.Now()
			m.UpdateMetadata(sessionID, func(s Session) Session {
				s.URL = ev.Frame.URL
				s.LastActive = now
				return s
			})
			m.recordSessionEvent(ctx, sessionID, "navigated", now)
		})

		var waitConsole func()
		if m.cfg.ConsoleCaptureEnabled() {
			waitConsole = page.Context(ctx).EachEvent(func(ev *proto.RuntimeConsoleAPICalled) {
				if ev.Type != proto.RuntimeConsoleAPICalledTypeError && ev.Type != proto.RuntimeConsoleAPICalledTypeWarning {
					return
				}
				if !throttler.Allow("console") {
					return
				}
				re, ok := consoleRuntimeError(stringifyConsoleArgs(ev.Args))
				if !ok {
					return
				}
				if meta, found := m.GetSession(sessionID); found {
					re.URL = meta.URL
				}
				m.dispatchErrors(ctx, sessionID, []webgl.Event{re})
			})
		}

		streams := 2
		if waitConsole != nil {
			streams = 3
		}
		wg.Add(streams)
		go func() {
			defer wg.Done()
			waitNav()
		}()
		if waitConsole != nil {
			go func() {
				defer wg.Done()
				waitConsole()
			}()
		}
		go func() {
			defer wg.Done()
			if !m.cfg.ProbeEnabled() {
				return
			}
			m.drainProbeLoop(ctx, sessionID, page)
		}()
		wg.Wait()
	}()
}

// drainProbeLoop polls the page buffer until the context ends. Evaluate
// failures are transient (mid-navigation, target gone) and skipped.
func (m *SessionManager) drainProbeLoop(ctx context.Context, sessionID string, page *rod.Page) {
	ticker := time.NewTicker(m.cfg.ProbePollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
				JS:           drainProbeJS,
				ByValue:      true,
				AwaitPromise: true,
			})
			if err != nil || res == nil || res.Value.Nil() {
				continue
			}
			raw, err := res.Value.MarshalJSON()
			if err != nil {
				continue
			}

			pageURL := ""
			if meta, ok := m.GetSession(sessionID); ok {
				pageURL = meta.URL
			}
			m.dispatchErrors(ctx, sessionID, decodeProbeRecords(raw, pageURL))
		}
	}
}

// dispatchErrors feeds raw events through the session's pipeline: dedup
// tracking, aggregation, and the fact ledger. A session without attached
// pipeline state still contributes facts.
func (m *SessionManager) dispatchErrors(ctx context.Context, sessionID string, events []webgl.Event) {
	if len(events) == 0 {
		return
	}

	var state *tracker.SessionState
	if m.pipeline != nil {
		state, _ = m.pipeline.Lookup(sessionID)
	}

	facts := make([]mangle.Fact, 0, len(events))
	for _, ev := range events {
		if state != nil {
			if state.Tracker != nil {
				state.Tracker.Ingest(ev)
			}
			if state.Aggregator != nil {
				state.Aggregator.AddError(ev)
			}
		}
		switch e := ev.(type) {
		case *webgl.ShaderError:
			facts = append(facts, mangle.ShaderErrorFact(sessionID, e.Kind, e.Stage, e.Line, e.When()))
		default:
			facts = append(facts, mangle.WebGLErrorFact(sessionID, ev.Signature(), ev.Weight(), ev.When()))
		}
	}

	if m.engine == nil {
		return
	}
	if err := m.engine.AddFacts(ctx, facts); err != nil {
		log.Printf("[session:%s] error facts rejected: %v", sessionID, err)
	}
}

func (m *SessionManager) recordSessionEvent(ctx context.Context, sessionID, what string, ts time.Time) {
	if m.engine == nil {
		return
	}
	if err := m.engine.AddFacts(ctx, []mangle.Fact{mangle.SessionEventFact(sessionID, what, ts)}); err != nil {
		log.Printf("[session:%s] session event fact (%s) rejected: %v", sessionID, what, err)
	}
}
