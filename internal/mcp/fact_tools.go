package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"glsnap-mcp-server/internal/mangle"
)

// QueryFactsTool runs a Mangle query with variable binding against the
// recorded facts and derived predicates.
type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Run a Mangle datalog query against the recorded facts.

QUERY SYNTAX:
- Bind variables with capitalized names: webgl_error(Session, Sig, W, Ts)
- Constants narrow the match: shader_error("abc123", Kind, Stage, L, Ts)
- Anonymous _ positions are rewritten to named variables so their
  bindings appear in results
- The trailing period is optional

USEFUL PREDICATES:
- webgl_error(Session, Signature, Weight, Ts)
- shader_error(Session, Kind, Stage, Line, Ts)
- screenshot_compared(Session, Test, Match, Difference, Ts)
- failing_test(Session, Test) / shader_error_session(Session) /
  error_storm(Session, Signature)  [derived]

Returns: {query, count, results: [{Var: value, ...}]}`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query, e.g. failing_test(Session, Test)",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if !strings.HasSuffix(query, ".") {
		query += "."
	}
	query = normalizeWildcards(query)

	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"query":   query,
		"count":   len(results),
		"results": results,
	}, nil
}

// normalizeWildcards rewrites anonymous `_` argument positions into distinct
// named variables (_0, _1, ...) so their bindings show up in query results.
func normalizeWildcards(query string) string {
	var out strings.Builder
	counter := 0
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '_' && isBareUnderscore(query, i) {
			fmt.Fprintf(&out, "_%d", counter)
			counter++
			continue
		}
		out.WriteByte(ch)
	}
	return out.String()
}

// isBareUnderscore reports whether the underscore at i stands alone rather
// than being part of an identifier like webgl_error or _0.
func isBareUnderscore(query string, i int) bool {
	if i > 0 && isIdentChar(query[i-1]) {
		return false
	}
	if i+1 < len(query) && isIdentChar(query[i+1]) {
		return false
	}
	return true
}

func isIdentChar(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}

// ReadFactsTool dumps recent raw facts for one predicate, newest last.
type ReadFactsTool struct {
	engine *mangle.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read the raw recorded facts for one predicate.

SIMPLER THAN query-facts: no datalog, just the buffered facts in
arrival order with their timestamps.

WHEN TO USE:
- Checking what the probe actually recorded for a session
- Pulling comparison history (predicate: screenshot_compared)
- Time-window debugging with since_ms

Returns: {predicate, count, facts: [{predicate, args, ts}]} with at
most 'limit' newest facts (default 25).`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name, e.g. webgl_error",
			},
			"since_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts recorded after this unix-ms timestamp",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts to return, newest kept (default: 25)",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *ReadFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}

	limit := getIntArg(args, "limit", 25)
	if limit <= 0 {
		limit = 25
	}

	var facts []mangle.Fact
	if sinceMs := getIntArg(args, "since_ms", 0); sinceMs > 0 {
		facts = t.engine.QueryTemporal(predicate, time.UnixMilli(int64(sinceMs)), time.Time{})
	} else {
		facts = t.engine.FactsByPredicate(predicate)
	}

	if len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}

	out := make([]map[string]interface{}, 0, len(facts))
	for _, f := range facts {
		out = append(out, map[string]interface{}{
			"predicate": f.Predicate,
			"args":      f.Args,
			"ts":        f.Timestamp.UnixMilli(),
		})
	}

	return map[string]interface{}{
		"predicate": predicate,
		"count":     len(out),
		"facts":     out,
	}, nil
}

// SubmitRuleTool grows the diagnosis vocabulary at runtime.
type SubmitRuleTool struct {
	engine *mangle.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add a Mangle rule so later queries can use a new derived predicate.

EXAMPLE:
  Decl broken_scene(Session).
  broken_scene(Session) :- shader_error_session(Session),
      failing_test(Session, _).

New predicates need a Decl alongside the rule. Rules persist for the
server's lifetime; they are not written back to the schema file.

AFTER SUBMITTING: use evaluate-rule or query-facts to see derivations.

Returns: {status: "ok"}`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle source: Decl plus rule clauses",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	rule := strings.TrimSpace(getStringArg(args, "rule"))
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}

	if err := t.engine.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok"}, nil
}

// EvaluateRuleTool re-runs program evaluation and returns one predicate's
// derived facts.
type EvaluateRuleTool struct {
	engine *mangle.Engine
}

func (t *EvaluateRuleTool) Name() string { return "evaluate-rule" }
func (t *EvaluateRuleTool) Description() string {
	return `Evaluate the rule program and return the derived facts for a predicate.

WHEN TO USE:
- After submit-rule, to materialize what the new rule derives
- Checking built-in derivations: failing_test, shader_error_session,
  error_storm

Returns: {predicate, count, facts: [{predicate, args}]}`
}
func (t *EvaluateRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Derived predicate to evaluate, e.g. failing_test",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}

	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(facts))
	for _, f := range facts {
		out = append(out, map[string]interface{}{
			"predicate": f.Predicate,
			"args":      f.Args,
		})
	}

	return map[string]interface{}{
		"predicate": predicate,
		"count":     len(out),
		"facts":     out,
	}, nil
}
