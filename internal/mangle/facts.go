package mangle

import "time"

// Predicates recorded by the server. Argument shapes must stay in sync
// with the declarations in schemas/webgl.mg.
const (
	PredWebGLError         = "webgl_error"
	PredShaderError        = "shader_error"
	PredErrorNotification  = "error_notification"
	PredScreenshotCompared = "screenshot_compared"
	PredBaselineSaved      = "baseline_saved"
	PredSessionEvent       = "session_event"
)

// WebGLErrorFact records one aggregated runtime error observation.
func WebGLErrorFact(sessionID, signature string, weight int, ts time.Time) Fact {
	return Fact{
		Predicate: PredWebGLError,
		Args:      []interface{}{sessionID, signature, weight, ts.UnixMilli()},
		Timestamp: ts,
	}
}

// ShaderErrorFact records a failed compile or link. Stage is empty for
// program-level link failures; line is 0 when the info log carried none.
func ShaderErrorFact(sessionID, kind, stage string, line int, ts time.Time) Fact {
	if stage == "" {
		stage = "program"
	}
	return Fact{
		Predicate: PredShaderError,
		Args:      []interface{}{sessionID, kind, stage, line, ts.UnixMilli()},
		Timestamp: ts,
	}
}

// NotificationFact records every notification the aggregator pushed out.
func NotificationFact(sessionID, notificationType, severity string, ts time.Time) Fact {
	return Fact{
		Predicate: PredErrorNotification,
		Args:      []interface{}{sessionID, notificationType, severity, ts.UnixMilli()},
		Timestamp: ts,
	}
}

// ScreenshotComparedFact records a comparison verdict for a named test.
func ScreenshotComparedFact(sessionID, testName string, match bool, difference float64, ts time.Time) Fact {
	return Fact{
		Predicate: PredScreenshotCompared,
		Args:      []interface{}{sessionID, testName, match, difference, ts.UnixMilli()},
		Timestamp: ts,
	}
}

// BaselineSavedFact records a baseline write.
func BaselineSavedFact(testName, path string, ts time.Time) Fact {
	return Fact{
		Predicate: PredBaselineSaved,
		Args:      []interface{}{testName, path, ts.UnixMilli()},
		Timestamp: ts,
	}
}

// SessionEventFact records session lifecycle markers: created, navigated,
// collection_started, collection_stopped, closed.
func SessionEventFact(sessionID, what string, ts time.Time) Fact {
	return Fact{
		Predicate: PredSessionEvent,
		Args:      []interface{}{sessionID, what, ts.UnixMilli()},
		Timestamp: ts,
	}
}
