package webgl

import (
	"regexp"
	"strings"
)

var (
	// "INVALID_OPERATION: useProgram" style code/operation pairs. Chrome
	// prefixes these with "WebGL: " and may append ": detail text".
	codeOpPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9_]+)\s*:\s*([A-Za-z_][A-Za-z0-9_]*)`)

	// Fallback grouping token when no code/operation pair is present.
	allCapsPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9_]+\b`)
)

// runtimeSignature collapses a runtime error message to a grouping key.
// WebGL drivers emit the same underlying fault hundreds of times per frame,
// so grouping keys on message shape, never on literal text.
func runtimeSignature(message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return "webgl:UNKNOWN"
	}

	if matches := codeOpPattern.FindStringSubmatch(msg); len(matches) == 3 {
		return "webgl:" + matches[1] + ":" + matches[2]
	}

	if token := allCapsPattern.FindString(msg); token != "" {
		return "webgl:" + token
	}

	return "webgl:UNKNOWN"
}

// splitRuntimeSignature recovers the code and operation from a runtime
// grouping key. Operation is empty for fallback signatures.
func splitRuntimeSignature(sig string) (code, op string) {
	parts := strings.SplitN(sig, ":", 3)
	switch len(parts) {
	case 3:
		return parts[1], parts[2]
	case 2:
		return parts[1], ""
	default:
		return "UNKNOWN", ""
	}
}
