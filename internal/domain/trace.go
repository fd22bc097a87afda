package domain

import "time"

// Trace groups causally related events.
type Trace struct {
	TraceID        string
	AgentID        string
	StartTimestamp time.Time
	EndTimestamp   time.Time
}

// Span is a named sub-unit of a trace. Name and hierarchy fields are fixed
// when the span is first created.
type Span struct {
	SpanID         string
	TraceID        string
	ParentSpanID   *string
	RootSpanID     string
	Name           string
	StartTimestamp *time.Time
	EndTimestamp   *time.Time
}

// IsRoot reports whether the span has no parent.
func (s Span) IsRoot() bool {
	return s.ParentSpanID == nil || *s.ParentSpanID == ""
}

// Duration returns the span duration when both timestamps are known.
func (s Span) Duration() (time.Duration, bool) {
	if s.StartTimestamp == nil || s.EndTimestamp == nil {
		return 0, false
	}
	return s.EndTimestamp.Sub(*s.StartTimestamp), true
}
