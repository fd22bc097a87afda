package domain

import "time"

// Interaction types shared by LLM and tool projections.
const (
	InteractionRequest = "request"
	InteractionStart   = "start"
	InteractionFinish  = "finish"
	InteractionError   = "error"
)

// LLMParams is the canonical request parameter set. Unset fields are nil.
type LLMParams struct {
	Temperature      *float64
	MaxTokens        *int64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
}

// Empty reports whether no parameter is set.
func (p LLMParams) Empty() bool {
	return p.Temperature == nil && p.MaxTokens == nil && p.TopP == nil &&
		p.FrequencyPenalty == nil && p.PresencePenalty == nil
}

// LLMInteraction projects an llm.* event. Token counts are authoritative only
// on finish interactions.
type LLMInteraction struct {
	ID                int64
	EventID           int64
	InteractionType   string
	Vendor            string
	Model             string
	Params            LLMParams
	InputTokens       *int64
	OutputTokens      *int64
	TotalTokens       *int64
	DurationMS        *float64
	RequestTimestamp  *time.Time
	ResponseTimestamp *time.Time
	ResponseID        string
	StopReason        string
	SessionID         string
	UserID            string
	PromptTemplateID  string
	Stream            *bool
	CachedResponse    *bool
	ModelVersion      string
	RawAttributes     map[string]any
}

// ToolInteraction projects a tool.* event. At most one of Parameters, Result
// and Error is populated.
type ToolInteraction struct {
	ID              int64
	EventID         int64
	ToolName        string
	InteractionType string
	Status          string
	Parameters      []byte
	Result          []byte
	Error           *string
	StatusCode      *int
	ResponseTimeMS  *float64
	RawAttributes   map[string]any
}

// FrameworkEvent projects a framework lifecycle notice.
type FrameworkEvent struct {
	ID               int64
	EventID          int64
	FrameworkName    string
	FrameworkVersion string
	EventType        string
	Details          []byte
	RawAttributes    map[string]any
}

// TokenUsage aggregates finish-only token counts.
type TokenUsage struct {
	Interactions int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// TokenUsageFilter narrows token aggregation.
type TokenUsageFilter struct {
	AgentID string
	Model   string
	Since   *time.Time
	Until   *time.Time
}
