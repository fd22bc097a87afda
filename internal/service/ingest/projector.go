package ingest

import (
	"strings"
	"time"

	"github.com/splax/agentwatch/internal/domain"
)

// Projection is the typed record derived from one event. At most one of the
// record pointers is set; none is set for generic events.
type Projection struct {
	Category  domain.EventCategory
	LLM       *domain.LLMInteraction
	Tool      *domain.ToolInteraction
	Framework *domain.FrameworkEvent
	Alert     *domain.SecurityAlert
	// Degraded explains why a typed event was stored as generic.
	Degraded string
}

// SetEventID stamps the owning event id on the typed record.
func (p *Projection) SetEventID(id int64) {
	switch {
	case p.LLM != nil:
		p.LLM.EventID = id
	case p.Tool != nil:
		p.Tool.EventID = id
	case p.Framework != nil:
		p.Framework.EventID = id
	case p.Alert != nil:
		p.Alert.EventID = id
	}
}

// Projector derives typed records from validated envelopes.
type Projector struct{}

// NewProjector constructs a Projector.
func NewProjector() *Projector {
	return &Projector{}
}

// Project classifies event and builds its typed record. Payloads that cannot
// be projected degrade to generic instead of failing.
func (p *Projector) Project(env Envelope, event domain.Event) Projection {
	category := event.Category
	if !category.Valid() {
		category = domain.ClassifyEventName(event.Name)
	}
	attrs := event.Attributes
	if attrs == nil {
		attrs = env.Attributes()
	}
	switch category {
	case domain.CategoryLLM:
		return Projection{Category: category, LLM: projectLLM(event, attrs)}
	case domain.CategoryTool:
		tool, reason := projectTool(event, attrs)
		if tool == nil {
			return Projection{Category: domain.CategoryGeneric, Degraded: reason}
		}
		return Projection{Category: category, Tool: tool}
	case domain.CategoryFramework:
		fe, reason := projectFramework(event, attrs)
		if fe == nil {
			return Projection{Category: domain.CategoryGeneric, Degraded: reason}
		}
		return Projection{Category: category, Framework: fe}
	case domain.CategorySecurity:
		return Projection{Category: category, Alert: projectSecurity(event, attrs)}
	default:
		return Projection{Category: domain.CategoryGeneric}
	}
}

// requestBlockKeys hold the nested request-data block of llm events.
var requestBlockKeys = []string{"llm.request.data", "request_data", "request"}

func llmInteractionType(name string, attrs map[string]any) string {
	switch segment := lastSegment(name); segment {
	case domain.InteractionStart:
		return domain.InteractionRequest
	case domain.InteractionFinish:
		return domain.InteractionFinish
	default:
		if t := lookupString(attrs, "interaction_type", "llm.interaction_type"); t != "" {
			return t
		}
		return segment
	}
}

func projectLLM(event domain.Event, attrs map[string]any) *domain.LLMInteraction {
	flat := flattenLLMKeys(attrs)
	nested := lookupMap(attrs, requestBlockKeys...)
	if nested == nil {
		nested = map[string]any{}
	}

	interactionType := llmInteractionType(event.Name, attrs)
	vendor := lookupString(flat, "vendor")
	if vendor == "" {
		vendor = lookupString(nested, "vendor", "provider")
	}
	model := lookupString(flat, "model")
	if model == "" {
		model = lookupString(nested, "model")
	}

	in := &domain.LLMInteraction{
		InteractionType:  interactionType,
		Vendor:           vendor,
		Model:            model,
		Params:           MergeParams(NormalizeParams(flat, vendor), NormalizeParams(nested, vendor)),
		DurationMS:       lookupFloat(flat, "duration_ms", "response.duration_ms", "latency_ms"),
		ResponseID:       lookupString(flat, "response.id", "response_id"),
		StopReason:       lookupString(flat, "response.stop_reason", "stop_reason", "finish_reason"),
		SessionID:        lookupString(attrs, "session.id", "session_id"),
		UserID:           lookupString(attrs, "user.id", "user_id"),
		PromptTemplateID: lookupString(attrs, "prompt.template_id", "prompt_template_id"),
		Stream:           lookupBool(flat, "stream"),
		CachedResponse:   lookupBool(flat, "cached_response"),
		ModelVersion:     lookupString(flat, "model_version"),
		RawAttributes:    attrs,
	}

	switch interactionType {
	case domain.InteractionRequest:
		in.RequestTimestamp = timestampOr(flat, "timestamp", event.Timestamp)
	case domain.InteractionFinish:
		in.ResponseTimestamp = timestampOr(flat, "response.timestamp", event.Timestamp)
		usage := lookupMap(flat, "usage")
		if usage == nil {
			usage = map[string]any{}
		}
		in.InputTokens = firstInt(flat, usage, []string{"usage.input_tokens", "input_tokens", "usage.prompt_tokens", "prompt_tokens"}, []string{"input_tokens", "prompt_tokens"})
		in.OutputTokens = firstInt(flat, usage, []string{"usage.output_tokens", "output_tokens", "usage.completion_tokens", "completion_tokens"}, []string{"output_tokens", "completion_tokens"})
		in.TotalTokens = firstInt(flat, usage, []string{"usage.total_tokens", "total_tokens"}, []string{"total_tokens"})
		if in.TotalTokens == nil && in.InputTokens != nil && in.OutputTokens != nil {
			total := *in.InputTokens + *in.OutputTokens
			in.TotalTokens = &total
		}
	}
	return in
}

func firstInt(flat, usage map[string]any, flatKeys, usageKeys []string) *int64 {
	if v := lookupInt(flat, flatKeys...); v != nil {
		return v
	}
	return lookupInt(usage, usageKeys...)
}

// timestampOr parses attrs[key] and falls back to ts.
func timestampOr(attrs map[string]any, key string, ts time.Time) *time.Time {
	if s, ok := attrs[key].(string); ok {
		if parsed, err := ParseTimestamp(s); err == nil {
			return &parsed
		}
	}
	out := ts.UTC()
	return &out
}

func projectTool(event domain.Event, attrs map[string]any) (*domain.ToolInteraction, string) {
	toolName := lookupString(attrs, "tool_name", "tool.name")
	if toolName == "" {
		return nil, "tool event without tool_name"
	}
	interactionType := lastSegment(event.Name)
	switch interactionType {
	case domain.InteractionStart, domain.InteractionFinish, domain.InteractionError:
	default:
		if t := lookupString(attrs, "interaction_type"); t != "" {
			interactionType = t
		}
	}

	in := &domain.ToolInteraction{
		ToolName:        toolName,
		InteractionType: interactionType,
		Status:          lookupString(attrs, "status", "tool.status"),
		RawAttributes:   attrs,
	}
	switch interactionType {
	case domain.InteractionStart:
		if v, ok := lookup(attrs, "parameters", "tool.parameters", "arguments", "input"); ok {
			data, err := marshalValue(v)
			if err != nil {
				return nil, err.Error()
			}
			in.Parameters = data
		}
		if in.Status == "" {
			in.Status = "pending"
		}
	case domain.InteractionFinish:
		if v, ok := lookup(attrs, "result", "tool.result", "output"); ok {
			data, err := marshalValue(v)
			if err != nil {
				return nil, err.Error()
			}
			in.Result = data
		}
		in.StatusCode = statusCode(attrs)
		in.ResponseTimeMS = lookupFloat(attrs, "response_time_ms", "duration_ms", "tool.response_time_ms")
		if in.Status == "" {
			in.Status = "success"
		}
	case domain.InteractionError:
		if v, ok := lookup(attrs, "error", "error_message", "tool.error"); ok {
			msg, isString := asString(v)
			if !isString {
				data, err := marshalValue(v)
				if err != nil {
					return nil, err.Error()
				}
				msg = string(data)
			}
			in.Error = &msg
		}
		in.StatusCode = statusCode(attrs)
		in.ResponseTimeMS = lookupFloat(attrs, "response_time_ms", "duration_ms", "tool.response_time_ms")
		if in.Status == "" {
			in.Status = "error"
		}
	}
	return in, ""
}

func statusCode(attrs map[string]any) *int {
	if v := lookupInt(attrs, "status_code", "tool.status_code"); v != nil {
		code := int(*v)
		return &code
	}
	return nil
}

var frameworkEventTypes = map[string]string{
	"startup":        "startup",
	"start":          "startup",
	"shutdown":       "shutdown",
	"stop":           "shutdown",
	"config_change":  "config_change",
	"config":         "config_change",
	"initialization": "initialization",
	"init":           "initialization",
	"initialize":     "initialization",
	"patch":          "patch",
	"unpatch":        "unpatch",
}

var frameworkMappedKeys = map[string]struct{}{
	"framework.name":    {},
	"framework_name":    {},
	"framework":         {},
	"framework.version": {},
	"framework_version": {},
}

func frameworkEventType(name string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(name, "framework."), "framework_")
	segment := lastSegment(rest)
	if mapped, ok := frameworkEventTypes[segment]; ok {
		return mapped
	}
	return segment
}

func projectFramework(event domain.Event, attrs map[string]any) (*domain.FrameworkEvent, string) {
	details := make(map[string]any, len(attrs))
	for key, value := range attrs {
		if _, mapped := frameworkMappedKeys[key]; mapped {
			continue
		}
		details[key] = value
	}
	fe := &domain.FrameworkEvent{
		FrameworkName:    lookupString(attrs, "framework.name", "framework_name", "framework"),
		FrameworkVersion: lookupString(attrs, "framework.version", "framework_version"),
		EventType:        frameworkEventType(event.Name),
		RawAttributes:    attrs,
	}
	if fe.EventType == "" {
		return nil, "framework event without sub-kind"
	}
	if len(details) > 0 {
		data, err := marshalValue(details)
		if err != nil {
			return nil, err.Error()
		}
		fe.Details = data
	}
	return fe, ""
}

func projectSecurity(event domain.Event, attrs map[string]any) *domain.SecurityAlert {
	alertType := lookupString(attrs, "alert_type", "security.alert_type")
	if alertType == "" {
		alertType = strings.TrimPrefix(event.Name, "security.")
	}
	severity := lookupString(attrs, "severity", "security.severity", "alert_level", "security.alert_level")
	if severity == "" {
		severity = event.Level
	}
	return &domain.SecurityAlert{
		AlertType:       alertType,
		Severity:        strings.ToUpper(severity),
		Description:     lookupString(attrs, "description", "security.description", "message"),
		Status:          domain.AlertStatusOpen,
		ConfidenceScore: lookupFloat(attrs, "confidence_score", "security.confidence_score", "confidence"),
		DetectionSource: lookupString(attrs, "detection_source", "security.detection_source"),
		RiskLevel:       lookupString(attrs, "risk_level", "security.risk_level"),
		Timestamp:       event.Timestamp.UTC(),
		RawAttributes:   attrs,
	}
}
