package repository

import (
	"context"
	"time"

	"github.com/splax/agentwatch/internal/domain"
)

// Store is the persistence boundary of the ingestion engine. Each unit of
// work runs inside WithinTx; the callback receives the transactional handle
// and every write made through it commits or rolls back together.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	ListUnlinkedAlerts(ctx context.Context) ([]domain.SecurityAlert, error)
	Ping(ctx context.Context) error
}

// Tx is a transactional handle. Implementations are not safe for concurrent use.
type Tx interface {
	HierarchyRepository
	EventRepository
	CorrelationRepository

	// Savepoint runs fn in a nested unit of work. An error returned by fn
	// rolls back only the writes made inside fn.
	Savepoint(ctx context.Context, fn func(tx Tx) error) error
}

// HierarchyRepository resolves agents, traces, spans and sessions.
type HierarchyRepository interface {
	UpsertAgent(ctx context.Context, agentID, name string, seenAt time.Time) (*domain.Agent, error)
	UpsertTrace(ctx context.Context, traceID, agentID string, ts time.Time) (*domain.Trace, error)
	GetSpan(ctx context.Context, spanID string) (*domain.Span, error)
	// InsertSpanIfAbsent inserts span unless a row with the same span id exists.
	// It returns the stored row and whether this call created it.
	InsertSpanIfAbsent(ctx context.Context, span *domain.Span) (*domain.Span, bool, error)
	WidenSpan(ctx context.Context, spanID string, ts time.Time) error
	UpsertSession(ctx context.Context, sessionID, agentID string, ts time.Time) (*domain.Session, error)
}

// EventRepository persists events and their typed projections.
type EventRepository interface {
	InsertEvent(ctx context.Context, event *domain.Event) error
	InsertLLMInteraction(ctx context.Context, interaction *domain.LLMInteraction) error
	InsertToolInteraction(ctx context.Context, interaction *domain.ToolInteraction) error
	InsertFrameworkEvent(ctx context.Context, event *domain.FrameworkEvent) error
	InsertSecurityAlert(ctx context.Context, alert *domain.SecurityAlert) error
}

// CorrelationRepository serves the security correlator.
type CorrelationRepository interface {
	// LatestLLMEventInSpan returns the latest llm event in spanID with a
	// timestamp at or before at, or ErrNotFound.
	LatestLLMEventInSpan(ctx context.Context, spanID string, at time.Time) (*domain.LLMCandidate, error)
	// ListLLMCandidates returns llm events in the query window, newest first.
	ListLLMCandidates(ctx context.Context, query domain.CandidateQuery) ([]domain.LLMCandidate, error)
	// InsertAlertTrigger stores trigger unless the alert already has one.
	// It reports whether a row was written.
	InsertAlertTrigger(ctx context.Context, trigger *domain.SecurityAlertTrigger) (bool, error)
}

// TelemetryReader serves read-side lookups over the projection tables.
type TelemetryReader interface {
	GetAlertTrigger(ctx context.Context, alertID int64) (*domain.SecurityAlertTrigger, error)
	SumFinishTokens(ctx context.Context, filter domain.TokenUsageFilter) (domain.TokenUsage, error)
}
