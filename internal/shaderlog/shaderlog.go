// Package shaderlog parses GLSL compiler and linker info logs into structured
// entries. Every driver prints these logs differently, so parsing is
// best-effort: lines that match no known vendor format come back with line 0
// (unknown) rather than a guessed location.
package shaderlog

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// Entry represents one parsed info-log line.
type Entry struct {
	Severity string `json:"severity"` // ERROR, WARNING, NOTE, INFO
	Line     int    `json:"line"`     // 1-based source line, 0 when unknown
	Column   int    `json:"column"`   // 1-based column, 0 when unknown
	Code     string `json:"code"`     // vendor error code (e.g. C0000), empty when absent
	Message  string `json:"message"`  // the actual diagnostic text
	Raw      string `json:"raw"`      // original unparsed line
}

var (
	// ANGLE/Chromium: "ERROR: 0:12: 'main' : syntax error"
	anglePattern = regexp.MustCompile(`^(?i)(ERROR|WARNING|NOTE)\s*:\s*\d+:(\d+):\s*(.*)$`)

	// Mesa: "0:12(5): error: syntax error, unexpected IDENTIFIER"
	mesaPattern = regexp.MustCompile(`^\d+:(\d+)\((\d+)\)\s*:\s*(error|warning|note)\s*:\s*(.*)$`)

	// NVIDIA Cg-style: "0(12) : error C0000: syntax error"
	nvidiaPattern = regexp.MustCompile(`^\d+\((\d+)\)\s*:\s*(error|warning|fatal error)\s+([A-Z]\d+)\s*:\s*(.*)$`)

	// Bare level prefix with no location: "ERROR: link failed"
	levelPattern = regexp.MustCompile(`^(?i)(ERROR|WARNING|NOTE|INTERNAL ERROR)\s*:\s*(.*)$`)
)

// Parse parses a full info log into structured entries.
// Handles the common vendor formats:
//  1. ANGLE/Chromium: "ERROR: 0:12: 'main' : syntax error"
//  2. Mesa: "0:12(5): error: syntax error, unexpected IDENTIFIER"
//  3. NVIDIA: "0(12) : error C0000: syntax error"
//  4. Bare level prefix: "ERROR: link failed" / "error: vertex shader lacks main()"
func Parse(infoLog string) []Entry {
	var entries []Entry

	scanner := bufio.NewScanner(strings.NewReader(infoLog))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		entry := Entry{
			Severity: "INFO",
			Raw:      line,
		}

		// Try ANGLE format: LEVEL: string:line: message
		if matches := anglePattern.FindStringSubmatch(line); len(matches) == 4 {
			entry.Severity = normalizeSeverity(matches[1])
			entry.Line = atoi(matches[2])
			entry.Message = matches[3]
			entries = append(entries, entry)
			continue
		}

		// Try Mesa format: string:line(column): level: message
		if matches := mesaPattern.FindStringSubmatch(line); len(matches) == 5 {
			entry.Line = atoi(matches[1])
			entry.Column = atoi(matches[2])
			entry.Severity = normalizeSeverity(matches[3])
			entry.Message = matches[4]
			entries = append(entries, entry)
			continue
		}

		// Try NVIDIA format: string(line) : level Cnnnn: message
		if matches := nvidiaPattern.FindStringSubmatch(line); len(matches) == 5 {
			entry.Line = atoi(matches[1])
			entry.Severity = normalizeSeverity(matches[2])
			entry.Code = matches[3]
			entry.Message = matches[4]
			entries = append(entries, entry)
			continue
		}

		// Try bare level prefix: LEVEL: message (no location info)
		if matches := levelPattern.FindStringSubmatch(line); len(matches) == 3 {
			entry.Severity = normalizeSeverity(matches[1])
			entry.Message = matches[2]
			entries = append(entries, entry)
			continue
		}

		// Unrecognized shape: infer severity from content, no location
		entry.Severity = inferSeverity(line)
		entry.Message = line
		entries = append(entries, entry)
	}

	return entries
}

// FirstErrorLine returns the 1-based source line of the first ERROR entry
// carrying location info, or 0 when the log yields none.
func FirstErrorLine(infoLog string) int {
	for _, e := range Parse(infoLog) {
		if e.Severity == "ERROR" && e.Line > 0 {
			return e.Line
		}
	}
	return 0
}

// FilterErrors returns only ERROR and WARNING entries.
func FilterErrors(entries []Entry) []Entry {
	var filtered []Entry
	for _, e := range entries {
		if e.Severity == "ERROR" || e.Severity == "WARNING" {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// Summarize returns up to max diagnostic messages from the log, one per line,
// preferring errors over warnings. Used to keep tool output readable when a
// driver dumps hundreds of cascading diagnostics.
func Summarize(infoLog string, max int) string {
	if max <= 0 {
		return ""
	}

	entries := Parse(infoLog)
	var picked []string
	for _, e := range entries {
		if e.Severity == "ERROR" && len(picked) < max {
			picked = append(picked, e.Message)
		}
	}
	for _, e := range entries {
		if e.Severity != "ERROR" && len(picked) < max {
			picked = append(picked, e.Message)
		}
	}

	omitted := len(entries) - len(picked)
	out := strings.Join(picked, "\n")
	if omitted > 0 {
		out += "\n+" + strconv.Itoa(omitted) + " more"
	}
	return out
}

// normalizeSeverity maps vendor severity spellings to canonical levels.
func normalizeSeverity(s string) string {
	switch strings.ToLower(s) {
	case "error", "fatal error", "internal error":
		return "ERROR"
	case "warning", "warn":
		return "WARNING"
	case "note":
		return "NOTE"
	default:
		return strings.ToUpper(s)
	}
}

// inferSeverity guesses the level of an unstructured log line from content.
func inferSeverity(line string) string {
	msg := strings.ToLower(line)

	errorPatterns := []string{
		"error", "failed", "failure", "undeclared", "undefined",
		"mismatch", "exceeds", "not supported", "invalid",
	}
	for _, pattern := range errorPatterns {
		if strings.Contains(msg, pattern) {
			return "ERROR"
		}
	}

	warningPatterns := []string{
		"warning", "warn", "deprecated", "implicit", "truncated",
	}
	for _, pattern := range warningPatterns {
		if strings.Contains(msg, pattern) {
			return "WARNING"
		}
	}

	return "INFO"
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
