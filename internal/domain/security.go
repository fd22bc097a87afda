package domain

import "time"

// Alert statuses.
const (
	AlertStatusOpen = "OPEN"
)

// Trigger strategies recorded on SecurityAlertTrigger.
const (
	TriggerStrategySpan    = "span"
	TriggerStrategyContent = "content"
)

// SecurityAlert projects a security.* event. AgentID and SpanID mirror the
// owning event and are populated on reads.
type SecurityAlert struct {
	ID              int64
	EventID         int64
	AlertType       string
	Severity        string
	Description     string
	Status          string
	ConfidenceScore *float64
	DetectionSource string
	RiskLevel       string
	Timestamp       time.Time
	RawAttributes   map[string]any
	AgentID         string
	SpanID          string
}

// SecurityAlertTrigger links an alert to the event presumed to have caused it.
// There is at most one per alert.
type SecurityAlertTrigger struct {
	ID                int64
	AlertID           int64
	TriggeringEventID int64
	Strategy          string
	CreatedAt         time.Time
}

// LLMCandidate is an LLM event considered as a trigger for an alert.
type LLMCandidate struct {
	EventID       int64
	AgentID       string
	SpanID        string
	Timestamp     time.Time
	RawAttributes map[string]any
}

// CandidateQuery bounds a content-match candidate lookup.
type CandidateQuery struct {
	AgentID string
	From    time.Time
	To      time.Time
	Limit   int
}
