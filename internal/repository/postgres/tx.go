package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/agentwatch/internal/domain"
	"github.com/splax/agentwatch/internal/repository"
)

// txRepository is the transactional handle handed to units of work.
type txRepository struct {
	tx pgx.Tx
}

// Savepoint runs fn inside a nested transaction, which pgx maps onto a
// SAVEPOINT of the enclosing transaction.
func (t *txRepository) Savepoint(ctx context.Context, fn func(tx repository.Tx) error) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(&txRepository{tx: nested}); err != nil {
		if rbErr := nested.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nested.Commit(ctx)
}

// UpsertAgent creates the agent or widens its last-seen timestamp.
func (t *txRepository) UpsertAgent(ctx context.Context, agentID, name string, seenAt time.Time) (*domain.Agent, error) {
	const query = `INSERT INTO agents (agent_id, name, first_seen, last_seen, is_active)
		VALUES ($1, $2, $3, $3, TRUE)
		ON CONFLICT (agent_id) DO UPDATE
			SET last_seen = GREATEST(agents.last_seen, EXCLUDED.last_seen),
				is_active = TRUE
		RETURNING agent_id, name, first_seen, last_seen, is_active`
	var agent domain.Agent
	err := t.tx.QueryRow(ctx, query, agentID, name, seenAt.UTC()).Scan(
		&agent.AgentID,
		&agent.Name,
		&agent.FirstSeen,
		&agent.LastSeen,
		&agent.IsActive,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return &agent, nil
}

// UpsertTrace creates the trace or widens its bounds to include ts.
func (t *txRepository) UpsertTrace(ctx context.Context, traceID, agentID string, ts time.Time) (*domain.Trace, error) {
	const query = `INSERT INTO traces (trace_id, agent_id, start_timestamp, end_timestamp)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (trace_id) DO UPDATE
			SET start_timestamp = LEAST(traces.start_timestamp, EXCLUDED.start_timestamp),
				end_timestamp = GREATEST(traces.end_timestamp, EXCLUDED.end_timestamp)
		RETURNING trace_id, agent_id, start_timestamp, end_timestamp`
	var trace domain.Trace
	err := t.tx.QueryRow(ctx, query, traceID, agentID, ts.UTC()).Scan(
		&trace.TraceID,
		&trace.AgentID,
		&trace.StartTimestamp,
		&trace.EndTimestamp,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return &trace, nil
}

const spanColumns = `span_id, trace_id, parent_span_id, root_span_id, name, start_timestamp, end_timestamp`

func scanSpan(row pgx.Row) (*domain.Span, error) {
	var (
		span    domain.Span
		traceID *string
	)
	if err := row.Scan(
		&span.SpanID,
		&traceID,
		&span.ParentSpanID,
		&span.RootSpanID,
		&span.Name,
		&span.StartTimestamp,
		&span.EndTimestamp,
	); err != nil {
		return nil, err
	}
	span.TraceID = derefString(traceID)
	return &span, nil
}

// GetSpan returns a span by id.
func (t *txRepository) GetSpan(ctx context.Context, spanID string) (*domain.Span, error) {
	query := `SELECT ` + spanColumns + ` FROM spans WHERE span_id = $1`
	span, err := scanSpan(t.tx.QueryRow(ctx, query, spanID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return span, nil
}

// InsertSpanIfAbsent inserts span unless another writer created it first, in
// which case the existing row is returned.
func (t *txRepository) InsertSpanIfAbsent(ctx context.Context, span *domain.Span) (*domain.Span, bool, error) {
	if span == nil {
		return nil, false, fmt.Errorf("span required")
	}
	query := `INSERT INTO spans (` + spanColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (span_id) DO NOTHING
		RETURNING ` + spanColumns
	stored, err := scanSpan(t.tx.QueryRow(ctx, query,
		span.SpanID,
		nilIfEmpty(span.TraceID),
		stringPtrToNil(span.ParentSpanID),
		span.RootSpanID,
		span.Name,
		timePtrToNil(span.StartTimestamp),
		timePtrToNil(span.EndTimestamp),
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, translateError(err)
	}
	existing, err := t.GetSpan(ctx, span.SpanID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// WidenSpan extends the span bounds to include ts.
func (t *txRepository) WidenSpan(ctx context.Context, spanID string, ts time.Time) error {
	const query = `UPDATE spans
		SET start_timestamp = LEAST(COALESCE(start_timestamp, $2), $2),
			end_timestamp = GREATEST(COALESCE(end_timestamp, $2), $2)
		WHERE span_id = $1`
	tag, err := t.tx.Exec(ctx, query, spanID, ts.UTC())
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertSession creates the session or widens its bounds to include ts.
func (t *txRepository) UpsertSession(ctx context.Context, sessionID, agentID string, ts time.Time) (*domain.Session, error) {
	const query = `INSERT INTO sessions (session_id, agent_id, start_timestamp, end_timestamp)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (session_id) DO UPDATE
			SET start_timestamp = LEAST(sessions.start_timestamp, EXCLUDED.start_timestamp),
				end_timestamp = GREATEST(COALESCE(sessions.end_timestamp, EXCLUDED.end_timestamp), EXCLUDED.end_timestamp)
		RETURNING session_id, agent_id, start_timestamp, end_timestamp`
	var session domain.Session
	err := t.tx.QueryRow(ctx, query, sessionID, agentID, ts.UTC()).Scan(
		&session.SessionID,
		&session.AgentID,
		&session.StartTimestamp,
		&session.EndTimestamp,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return &session, nil
}

// InsertEvent persists the base event row and assigns its id.
func (t *txRepository) InsertEvent(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return fmt.Errorf("event required")
	}
	const query = `INSERT INTO events (
		name, event_type, level, agent_id, trace_id, span_id, parent_span_id,
		session_id, timestamp, schema_version, attributes
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	RETURNING id`
	err := t.tx.QueryRow(ctx, query,
		event.Name,
		string(event.Category),
		event.Level,
		event.AgentID,
		stringPtrToNil(event.TraceID),
		stringPtrToNil(event.SpanID),
		stringPtrToNil(event.ParentSpanID),
		stringPtrToNil(event.SessionID),
		event.Timestamp.UTC(),
		event.SchemaVersion,
		attributesOrEmpty(event.Attributes),
	).Scan(&event.ID)
	return translateError(err)
}

// InsertLLMInteraction persists an llm projection.
func (t *txRepository) InsertLLMInteraction(ctx context.Context, in *domain.LLMInteraction) error {
	if in == nil {
		return fmt.Errorf("llm interaction required")
	}
	const query = `INSERT INTO llm_interactions (
		event_id, interaction_type, vendor, model,
		temperature, max_tokens, top_p, frequency_penalty, presence_penalty,
		input_tokens, output_tokens, total_tokens, duration_ms,
		request_timestamp, response_timestamp, response_id, stop_reason,
		session_id, user_id, prompt_template_id, stream, cached_response,
		model_version, raw_attributes
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24
	) RETURNING id`
	err := t.tx.QueryRow(ctx, query,
		in.EventID,
		in.InteractionType,
		in.Vendor,
		in.Model,
		floatPtrToNil(in.Params.Temperature),
		int64PtrToNil(in.Params.MaxTokens),
		floatPtrToNil(in.Params.TopP),
		floatPtrToNil(in.Params.FrequencyPenalty),
		floatPtrToNil(in.Params.PresencePenalty),
		int64PtrToNil(in.InputTokens),
		int64PtrToNil(in.OutputTokens),
		int64PtrToNil(in.TotalTokens),
		floatPtrToNil(in.DurationMS),
		timePtrToNil(in.RequestTimestamp),
		timePtrToNil(in.ResponseTimestamp),
		nilIfEmpty(in.ResponseID),
		nilIfEmpty(in.StopReason),
		nilIfEmpty(in.SessionID),
		nilIfEmpty(in.UserID),
		nilIfEmpty(in.PromptTemplateID),
		boolPtrToNil(in.Stream),
		boolPtrToNil(in.CachedResponse),
		nilIfEmpty(in.ModelVersion),
		attributesOrEmpty(in.RawAttributes),
	).Scan(&in.ID)
	return translateError(err)
}

// InsertToolInteraction persists a tool projection.
func (t *txRepository) InsertToolInteraction(ctx context.Context, in *domain.ToolInteraction) error {
	if in == nil {
		return fmt.Errorf("tool interaction required")
	}
	const query = `INSERT INTO tool_interactions (
		event_id, tool_name, interaction_type, status, parameters, result,
		error, status_code, response_time_ms, raw_attributes
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	RETURNING id`
	err := t.tx.QueryRow(ctx, query,
		in.EventID,
		in.ToolName,
		in.InteractionType,
		nilIfEmpty(in.Status),
		bytesToNil(in.Parameters),
		bytesToNil(in.Result),
		stringPtrToNil(in.Error),
		intPtrToNil(in.StatusCode),
		floatPtrToNil(in.ResponseTimeMS),
		attributesOrEmpty(in.RawAttributes),
	).Scan(&in.ID)
	return translateError(err)
}

// InsertFrameworkEvent persists a framework projection.
func (t *txRepository) InsertFrameworkEvent(ctx context.Context, fe *domain.FrameworkEvent) error {
	if fe == nil {
		return fmt.Errorf("framework event required")
	}
	const query = `INSERT INTO framework_events (
		event_id, framework_name, framework_version, event_type, details, raw_attributes
	) VALUES ($1,$2,$3,$4,$5,$6)
	RETURNING id`
	err := t.tx.QueryRow(ctx, query,
		fe.EventID,
		nilIfEmpty(fe.FrameworkName),
		nilIfEmpty(fe.FrameworkVersion),
		fe.EventType,
		bytesToNil(fe.Details),
		attributesOrEmpty(fe.RawAttributes),
	).Scan(&fe.ID)
	return translateError(err)
}

// InsertSecurityAlert persists a security projection.
func (t *txRepository) InsertSecurityAlert(ctx context.Context, alert *domain.SecurityAlert) error {
	if alert == nil {
		return fmt.Errorf("security alert required")
	}
	if alert.Status == "" {
		alert.Status = domain.AlertStatusOpen
	}
	const query = `INSERT INTO security_alerts (
		event_id, alert_type, severity, description, status, confidence_score,
		detection_source, risk_level, timestamp, raw_attributes
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	RETURNING id`
	err := t.tx.QueryRow(ctx, query,
		alert.EventID,
		alert.AlertType,
		alert.Severity,
		alert.Description,
		alert.Status,
		floatPtrToNil(alert.ConfidenceScore),
		nilIfEmpty(alert.DetectionSource),
		nilIfEmpty(alert.RiskLevel),
		alert.Timestamp.UTC(),
		attributesOrEmpty(alert.RawAttributes),
	).Scan(&alert.ID)
	return translateError(err)
}

const candidateColumns = `id, agent_id, span_id, timestamp, attributes`

func scanCandidate(row pgx.Row) (*domain.LLMCandidate, error) {
	var (
		candidate domain.LLMCandidate
		spanID    *string
	)
	if err := row.Scan(
		&candidate.EventID,
		&candidate.AgentID,
		&spanID,
		&candidate.Timestamp,
		&candidate.RawAttributes,
	); err != nil {
		return nil, err
	}
	candidate.SpanID = derefString(spanID)
	return &candidate, nil
}

// LatestLLMEventInSpan returns the most recent llm event in the span at or before at.
func (t *txRepository) LatestLLMEventInSpan(ctx context.Context, spanID string, at time.Time) (*domain.LLMCandidate, error) {
	query := `SELECT ` + candidateColumns + `
		FROM events
		WHERE span_id = $1 AND event_type = 'llm' AND timestamp <= $2
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`
	candidate, err := scanCandidate(t.tx.QueryRow(ctx, query, spanID, at.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return candidate, nil
}

// ListLLMCandidates returns llm events of an agent within the window, newest first.
func (t *txRepository) ListLLMCandidates(ctx context.Context, q domain.CandidateQuery) ([]domain.LLMCandidate, error) {
	query := `SELECT ` + candidateColumns + `
		FROM events
		WHERE agent_id = $1 AND event_type = 'llm' AND timestamp BETWEEN $2 AND $3
		ORDER BY timestamp DESC, id DESC
		LIMIT $4`
	rows, err := t.tx.Query(ctx, query, q.AgentID, q.From.UTC(), q.To.UTC(), intToNil(q.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make([]domain.LLMCandidate, 0)
	for rows.Next() {
		candidate, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *candidate)
	}
	return candidates, rows.Err()
}

// InsertAlertTrigger stores the trigger unless the alert already has one.
func (t *txRepository) InsertAlertTrigger(ctx context.Context, trigger *domain.SecurityAlertTrigger) (bool, error) {
	if trigger == nil {
		return false, fmt.Errorf("trigger required")
	}
	const query = `INSERT INTO security_alert_triggers (alert_id, triggering_event_id, strategy, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (alert_id) DO NOTHING
		RETURNING id, created_at`
	err := t.tx.QueryRow(ctx, query, trigger.AlertID, trigger.TriggeringEventID, trigger.Strategy).
		Scan(&trigger.ID, &trigger.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, translateError(err)
	}
	return true, nil
}
