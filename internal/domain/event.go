package domain

import (
	"strings"
	"time"
)

// EventCategory is the closed set of event families.
type EventCategory string

const (
	CategoryLLM       EventCategory = "llm"
	CategoryTool      EventCategory = "tool"
	CategoryFramework EventCategory = "framework"
	CategorySecurity  EventCategory = "security"
	CategoryGeneric   EventCategory = "generic"
)

// ClassifyEventName maps a dotted event name onto its category. Names outside
// the known families fall back to CategoryGeneric.
func ClassifyEventName(name string) EventCategory {
	switch {
	case strings.HasPrefix(name, "llm."):
		return CategoryLLM
	case strings.HasPrefix(name, "tool."):
		return CategoryTool
	case strings.HasPrefix(name, "framework."), strings.HasPrefix(name, "framework_"):
		return CategoryFramework
	case strings.HasPrefix(name, "security."):
		return CategorySecurity
	default:
		return CategoryGeneric
	}
}

// Valid reports whether c is one of the known categories.
func (c EventCategory) Valid() bool {
	switch c {
	case CategoryLLM, CategoryTool, CategoryFramework, CategorySecurity, CategoryGeneric:
		return true
	}
	return false
}

// Event is the atomic telemetry record.
type Event struct {
	ID            int64
	Name          string
	Category      EventCategory
	Level         string
	AgentID       string
	TraceID       *string
	SpanID        *string
	ParentSpanID  *string
	SessionID     *string
	Timestamp     time.Time
	SchemaVersion string
	Attributes    map[string]any
}

// SpanKey returns the span id or an empty string.
func (e Event) SpanKey() string {
	if e.SpanID == nil {
		return ""
	}
	return *e.SpanID
}
