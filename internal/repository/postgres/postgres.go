package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/agentwatch/internal/domain"
	"github.com/splax/agentwatch/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.Store           = (*Repository)(nil)
	_ repository.TelemetryReader = (*Repository)(nil)
	_ repository.Tx              = (*txRepository)(nil)
)

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithinTx runs fn inside a database transaction. The transaction commits
// only when fn returns nil.
func (r *Repository) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&txRepository{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListUnlinkedAlerts returns every alert that has no trigger yet, oldest first.
func (r *Repository) ListUnlinkedAlerts(ctx context.Context) ([]domain.SecurityAlert, error) {
	const query = `SELECT a.id, a.event_id, a.alert_type, a.severity, a.description, a.status,
			a.confidence_score, a.detection_source, a.risk_level, a.timestamp, a.raw_attributes,
			e.agent_id, e.span_id
		FROM security_alerts a
		INNER JOIN events e ON e.id = a.event_id
		LEFT JOIN security_alert_triggers t ON t.alert_id = a.id
		WHERE t.id IS NULL
		ORDER BY a.timestamp ASC, a.id ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.SecurityAlert, 0)
	for rows.Next() {
		var (
			alert                     domain.SecurityAlert
			detectionSource, risk, sp *string
		)
		if err := rows.Scan(
			&alert.ID,
			&alert.EventID,
			&alert.AlertType,
			&alert.Severity,
			&alert.Description,
			&alert.Status,
			&alert.ConfidenceScore,
			&detectionSource,
			&risk,
			&alert.Timestamp,
			&alert.RawAttributes,
			&alert.AgentID,
			&sp,
		); err != nil {
			return nil, err
		}
		alert.DetectionSource = derefString(detectionSource)
		alert.RiskLevel = derefString(risk)
		alert.SpanID = derefString(sp)
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// GetAlertTrigger returns the trigger recorded for an alert.
func (r *Repository) GetAlertTrigger(ctx context.Context, alertID int64) (*domain.SecurityAlertTrigger, error) {
	const query = `SELECT id, alert_id, triggering_event_id, strategy, created_at
		FROM security_alert_triggers WHERE alert_id = $1`
	var trigger domain.SecurityAlertTrigger
	err := r.pool.QueryRow(ctx, query, alertID).Scan(
		&trigger.ID,
		&trigger.AlertID,
		&trigger.TriggeringEventID,
		&trigger.Strategy,
		&trigger.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &trigger, nil
}

// SumFinishTokens aggregates token counts over finish interactions only.
func (r *Repository) SumFinishTokens(ctx context.Context, filter domain.TokenUsageFilter) (domain.TokenUsage, error) {
	const query = `SELECT COUNT(1),
			COALESCE(SUM(l.input_tokens), 0),
			COALESCE(SUM(l.output_tokens), 0),
			COALESCE(SUM(l.total_tokens), 0)
		FROM llm_interactions l
		INNER JOIN events e ON e.id = l.event_id
		WHERE l.interaction_type = 'finish'
			AND ($1::text IS NULL OR e.agent_id = $1)
			AND ($2::text IS NULL OR l.model = $2)
			AND ($3::timestamptz IS NULL OR e.timestamp >= $3)
			AND ($4::timestamptz IS NULL OR e.timestamp <= $4)`
	var usage domain.TokenUsage
	err := r.pool.QueryRow(ctx, query,
		nilIfEmpty(filter.AgentID),
		nilIfEmpty(filter.Model),
		timePtrToNil(filter.Since),
		timePtrToNil(filter.Until),
	).Scan(&usage.Interactions, &usage.InputTokens, &usage.OutputTokens, &usage.TotalTokens)
	if err != nil {
		return domain.TokenUsage{}, err
	}
	return usage, nil
}

func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return errors.Join(repository.ErrNotFound, err)
		case "23505":
			return errors.Join(repository.ErrConflict, err)
		case "23514", "22P02", "22001":
			return errors.Join(repository.ErrInvalidArgument, err)
		}
	}
	return err
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intToNil(v int) any {
	if v <= 0 {
		return nil
	}
	return v
}

func floatPtrToNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64PtrToNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolPtrToNil(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func attributesOrEmpty(attrs map[string]any) map[string]any {
	if attrs == nil {
		return map[string]any{}
	}
	return attrs
}
