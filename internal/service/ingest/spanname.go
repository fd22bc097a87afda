package ingest

import "strings"

type spanNameRule func(remainder string) string

// spanNameRules maps the leading name segment onto the span naming rule.
var spanNameRules = map[string]spanNameRule{
	"llm":  func(string) string { return "llm_interaction" },
	"tool": func(string) string { return "tool_interaction" },
	"framework": func(rest string) string {
		return "framework_" + strings.ReplaceAll(rest, ".", "_")
	},
	"monitoring": func(rest string) string {
		return "monitoring_" + strings.ReplaceAll(rest, ".", "_")
	},
	"security": func(rest string) string {
		return "security_" + rest
	},
}

// DeriveSpanName returns the semantic span name for an event name. Names
// outside the known families are returned unchanged.
func DeriveSpanName(eventName string) string {
	prefix, rest, ok := strings.Cut(eventName, ".")
	if !ok || rest == "" {
		return eventName
	}
	rule, ok := spanNameRules[prefix]
	if !ok {
		return eventName
	}
	return rule(rest)
}
