package webgl

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"glsnap-mcp-server/internal/config"
)

// ErrorGroup collects events sharing one signature within the current batch
// cycle. Groups are ephemeral: flushed and rebuilt every cycle.
type ErrorGroup struct {
	Signature  string    `json:"signature"`
	Events     []Event   `json:"-"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	TotalCount int       `json:"total_count"`
}

// Aggregator is a session-scoped, time-driven batching engine for WebGL
// errors. One aggregator serves one monitored browser session; isolation
// between sessions comes from instance-per-session, not shared state.
//
// Lifecycle: Idle (constructed) -> Active (Start) -> Stopped (Stop). A new
// Start after Stop begins a fresh session on the same instance.
type Aggregator struct {
	label string
	cfg   config.AggregatorConfig
	sink  Notifier

	mu       sync.Mutex
	active   bool
	flushing bool
	total    int
	groups   map[string]*ErrorGroup
	order    []string
	started  time.Time
	reason   string

	// Session parameters, resolved once at Start so mid-session config
	// changes never alter a running session.
	maxBatch  int
	maxErrors int

	ticker *time.Ticker
	timer  *time.Timer
	done   chan struct{}

	// flushMu serializes whole flush passes. Stop's final flush blocks on
	// it so nothing emitted by an in-flight timer flush is lost or doubled.
	flushMu sync.Mutex
}

// NewAggregator creates an Idle aggregator labeled for logging (typically
// the browser session ID it monitors).
func NewAggregator(label string, cfg config.AggregatorConfig, sink Notifier) *Aggregator {
	return &Aggregator{
		label:  label,
		cfg:    cfg,
		sink:   sink,
		groups: make(map[string]*ErrorGroup),
	}
}

// Start begins a collection session. No-op while a session is Active.
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return
	}

	interval := a.cfg.BatchInterval()
	duration := a.cfg.CollectionDuration()
	a.maxBatch = a.cfg.GetMaxBatchSize()
	a.maxErrors = a.cfg.GetMaxErrorsBeforeStop()

	a.active = true
	a.total = 0
	a.groups = make(map[string]*ErrorGroup)
	a.order = nil
	a.started = time.Now()
	a.reason = ""
	a.done = make(chan struct{})
	a.ticker = time.NewTicker(interval)
	a.timer = time.NewTimer(duration)

	done, ticker, timer := a.done, a.ticker, a.timer
	a.mu.Unlock()

	go a.run(done, ticker, timer)

	log.Printf("[aggregator:%s] collection started: interval=%s duration=%s maxBatch=%d maxErrors=%d",
		a.label, interval, duration, a.maxBatch, a.maxErrors)
}

func (a *Aggregator) run(done chan struct{}, ticker *time.Ticker, timer *time.Timer) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			a.tryFlush()
		case <-timer.C:
			a.stop("duration")
		}
	}
}

// AddError ingests one raw event. No-op unless a session is Active. Crossing
// the volume budget stops the session synchronously; the triggering event is
// recorded into its group first so the final flush reports it.
func (a *Aggregator) AddError(e Event) {
	if e == nil {
		return
	}

	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}

	w := e.Weight()
	a.total += w

	ts := e.When()
	if ts.IsZero() {
		ts = time.Now()
	}

	sig := e.Signature()
	g, ok := a.groups[sig]
	if !ok {
		g = &ErrorGroup{Signature: sig, FirstSeen: ts}
		a.groups[sig] = g
		a.order = append(a.order, sig)
	}
	g.Events = append(g.Events, e)
	g.LastSeen = ts
	g.TotalCount += w

	volume := a.total >= a.maxErrors
	pressure := !volume && len(a.groups) >= a.maxBatch && !a.flushing
	total := a.total
	a.mu.Unlock()

	if volume {
		log.Printf("[aggregator:%s] error volume budget reached (%d), stopping collection", a.label, total)
		a.stop("volume")
		return
	}
	if pressure {
		a.tryFlush()
	}
}

// Stop ends the session: cancels timers, flushes remaining groups, and emits
// a session summary. Idempotent, and safe to call from the session-duration
// timer and from inside AddError's volume path.
func (a *Aggregator) Stop() {
	a.stop("manual")
}

// Destroy is an alias for Stop for resource-cleanup call sites.
func (a *Aggregator) Destroy() {
	a.Stop()
}

func (a *Aggregator) stop(reason string) {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	a.reason = reason
	close(a.done)
	ticker, timer := a.ticker, a.timer
	total := a.total
	elapsed := time.Since(a.started)
	a.mu.Unlock()

	ticker.Stop()
	timer.Stop()

	a.flushNow()

	if total == 0 {
		log.Printf("[aggregator:%s] collection stopped (%s): no errors collected", a.label, reason)
		return
	}

	rounded := elapsed.Round(time.Millisecond)
	var summary string
	severity := "info"
	if reason == "volume" {
		summary = fmt.Sprintf("WebGL error collection stopped early due to high error volume: %d errors in %s", total, rounded)
		severity = "warning"
	} else {
		summary = fmt.Sprintf("WebGL error collection finished: %d errors in %s", total, rounded)
	}

	a.emit(Notification{
		Type:      TypeGeneral,
		Timestamp: time.Now(),
		Error:     summary,
		Severity:  severity,
	})

	log.Printf("[aggregator:%s] collection stopped (%s): %d errors in %s", a.label, reason, total, rounded)
}

// tryFlush runs a flush unless one is already executing; a skipped flush is
// deferred, not dropped, because untouched groups stay open for the next
// cycle.
func (a *Aggregator) tryFlush() {
	a.mu.Lock()
	if a.flushing || len(a.groups) == 0 {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.flushNow()
}

// flushNow converts all currently-open groups into notifications. Events
// arriving while emission runs accumulate into fresh groups.
func (a *Aggregator) flushNow() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if len(a.groups) == 0 {
		a.mu.Unlock()
		return
	}
	a.flushing = true
	groups := a.groups
	order := a.order
	a.groups = make(map[string]*ErrorGroup)
	a.order = nil
	a.mu.Unlock()

	for _, sig := range order {
		g := groups[sig]
		if g == nil || len(g.Events) == 0 {
			continue
		}
		a.emit(a.notificationFor(g))
	}

	a.mu.Lock()
	a.flushing = false
	a.mu.Unlock()
}

func (a *Aggregator) emit(n Notification) {
	if a.sink == nil {
		return
	}
	if err := a.sink.Notify(n); err != nil {
		log.Printf("[aggregator:%s] notification delivery failed: %v", a.label, err)
	}
}

func (a *Aggregator) notificationFor(g *ErrorGroup) Notification {
	first := g.Events[0]
	n := Notification{
		Type:      NotificationType(first),
		Timestamp: time.Now(),
	}

	switch ev := first.(type) {
	case *ShaderError:
		n.Error = shaderGroupMessage(g, ev)
		n.Severity = "error"
	default:
		n.Error = runtimeGroupMessage(g)
		if g.TotalCount > 100 {
			n.Severity = "error"
		} else {
			n.Severity = "warning"
		}
	}
	return n
}

// shaderGroupMessage renders a shader group: a lone member passes its raw
// info log through verbatim; collapsed groups get a counted summary with up
// to 3 distinct logs.
func shaderGroupMessage(g *ErrorGroup, first *ShaderError) string {
	if len(g.Events) == 1 {
		return first.Log
	}

	seen := make(map[string]struct{})
	var unique []string
	for _, e := range g.Events {
		se, ok := e.(*ShaderError)
		if !ok {
			continue
		}
		if _, dup := seen[se.Log]; dup {
			continue
		}
		seen[se.Log] = struct{}{}
		unique = append(unique, se.Log)
	}

	shown := unique
	suffix := ""
	if len(unique) > 3 {
		shown = unique[:3]
		suffix = fmt.Sprintf(" (+%d more)", len(unique)-3)
	}

	verb := "compilation"
	if first.Kind == KindLinking {
		verb = "linking"
	}

	if first.Stage == "" {
		return fmt.Sprintf("%d program %s errors: %s%s", g.TotalCount, verb, strings.Join(shown, "; "), suffix)
	}
	return fmt.Sprintf("%d %s shader %s errors: %s%s", g.TotalCount, first.Stage, verb, strings.Join(shown, "; "), suffix)
}

// runtimeGroupMessage renders a runtime group. Known hot paths get dedicated
// wording; everything else falls back to a generic counted template with up
// to 2 example message variants.
func runtimeGroupMessage(g *ErrorGroup) string {
	if g.TotalCount == 1 {
		if re, ok := g.Events[0].(*RuntimeError); ok {
			return re.Message
		}
	}

	code, op := splitRuntimeSignature(g.Signature)
	switch {
	case code == "INVALID_OPERATION" && op == "useProgram":
		return fmt.Sprintf("useProgram failed %d times: the WebGL program is invalid, usually because shader compilation or linking failed", g.TotalCount)
	case code == "INVALID_OPERATION" && op == "drawElements":
		return fmt.Sprintf("drawElements failed %d times: no valid program is bound or vertex attribute state is inconsistent", g.TotalCount)
	}

	seen := make(map[string]struct{})
	var variants []string
	for _, e := range g.Events {
		re, ok := e.(*RuntimeError)
		if !ok {
			continue
		}
		if _, dup := seen[re.Message]; dup {
			continue
		}
		seen[re.Message] = struct{}{}
		variants = append(variants, re.Message)
	}

	shown := variants
	suffix := ""
	if len(variants) > 2 {
		shown = variants[:2]
		suffix = fmt.Sprintf(" (+%d more variations)", len(variants)-2)
	}

	target := code
	if op != "" {
		target = code + " in " + op
	}
	return fmt.Sprintf("%s occurred %d times: %s%s", target, g.TotalCount, strings.Join(shown, "; "), suffix)
}

// IsActive reports whether a collection session is running.
func (a *Aggregator) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// TotalErrorCount returns the summed event weights of the current (or, after
// Stop, the finished) session.
func (a *Aggregator) TotalErrorCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// OpenGroupCount returns how many distinct signatures are awaiting flush.
func (a *Aggregator) OpenGroupCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// StopReason returns why the last session ended: "duration", "volume",
// "manual", or "" while Idle/Active.
func (a *Aggregator) StopReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return ""
	}
	return a.reason
}

// StartedAt returns the current session's start time (zero while Idle).
func (a *Aggregator) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}
