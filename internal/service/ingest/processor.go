// Package ingest validates telemetry envelopes and turns them into the
// normalized event model inside one unit of work per request.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/agentwatch/internal/domain"
	"github.com/splax/agentwatch/internal/repository"
	"github.com/splax/agentwatch/internal/service/correlate"
)

// Publisher receives post-commit notifications keyed by agent id.
type Publisher interface {
	Broadcast(agentID string, payload []byte)
}

// ResultDetails describes what processing produced for one envelope.
type ResultDetails struct {
	EventType    string  `json:"event_type"`
	AlertID      int64   `json:"alert_id,omitempty"`
	LinkedAlerts []int64 `json:"linked_alerts,omitempty"`
	Degraded     string  `json:"degraded,omitempty"`
}

// ProcessingResult is the outcome of one envelope.
type ProcessingResult struct {
	Success   bool           `json:"success"`
	EventID   int64          `json:"event_id,omitempty"`
	EventName string         `json:"event_name,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   *ResultDetails `json:"details,omitempty"`
	// Err is the typed cause of a failure.
	Err error `json:"-"`
}

// BatchResult aggregates the outcome of a batch.
type BatchResult struct {
	Total      int                `json:"total"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
	Results    []ProcessingResult `json:"results"`
	Error      string             `json:"error,omitempty"`
	// Err is set when the whole batch was rolled back.
	Err error `json:"-"`
}

// outcome carries what one envelope wrote, for post-commit fan-out.
type outcome struct {
	event      domain.Event
	projection Projection
	triggers   []domain.SecurityAlertTrigger
}

// Processor runs the ingestion pipeline.
type Processor struct {
	store      repository.Store
	validator  *Validator
	registrar  *Registrar
	projector  *Projector
	correlator *correlate.Correlator
	publisher  Publisher
	metrics    *metrics
	logger     *slog.Logger
}

// NewProcessor wires the pipeline. publisher and logger may be nil.
func NewProcessor(store repository.Store, correlator *correlate.Correlator, publisher Publisher, logger *slog.Logger, schemaVersions []string) *Processor {
	if logger != nil {
		logger = logger.With("component", "ingest")
	}
	if correlator == nil {
		correlator = correlate.New(store, correlate.DefaultConfig(), logger)
	}
	return &Processor{
		store:      store,
		validator:  NewValidator(schemaVersions),
		registrar:  NewRegistrar(),
		projector:  NewProjector(),
		correlator: correlator,
		publisher:  publisher,
		metrics:    loadMetrics(),
		logger:     logger,
	}
}

// Correlator exposes the correlator backing the processor.
func (p *Processor) Correlator() *correlate.Correlator {
	return p.correlator
}

// ProcessOne validates env and persists it in a single transaction. Any
// failure after validation rolls back every write.
func (p *Processor) ProcessOne(ctx context.Context, env Envelope) ProcessingResult {
	if res := p.validator.Validate(env); !res.Valid {
		p.metrics.recordEvent("invalid", "rejected")
		return failure(env, res.Err)
	}

	view := p.correlator.Begin()
	var out *outcome
	err := p.store.WithinTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = p.process(ctx, tx, view, env)
		return err
	})
	if err != nil {
		view.Discard()
		p.metrics.recordEvent(string(domain.ClassifyEventName(env.String("name"))), outcomeLabel(err))
		p.logFailure("event processing failed", env, err)
		return failure(env, err)
	}
	outcomes := []*outcome{out}
	p.relink(ctx, view.Commit(), outcomes)
	p.afterCommit(outcomes)
	return success(out)
}

// ProcessMany processes envelopes in one outer transaction with a savepoint
// per envelope. Validation and hierarchy failures reject only their
// envelope; any other failure rolls back the whole batch.
func (p *Processor) ProcessMany(ctx context.Context, envs []Envelope) BatchResult {
	result := BatchResult{Total: len(envs), Results: make([]ProcessingResult, len(envs))}
	if len(envs) == 0 {
		return result
	}

	view := p.correlator.Begin()
	outcomes := make([]*outcome, 0, len(envs))
	positions := make([]int, 0, len(envs))
	err := p.store.WithinTx(ctx, func(tx repository.Tx) error {
		outcomes = outcomes[:0]
		positions = positions[:0]
		for i, env := range envs {
			if res := p.validator.Validate(env); !res.Valid {
				result.Results[i] = failure(env, res.Err)
				continue
			}
			child := view.Child()
			var out *outcome
			err := tx.Savepoint(ctx, func(sp repository.Tx) error {
				var err error
				out, err = p.process(ctx, sp, child, env)
				return err
			})
			if err != nil {
				child.Discard()
				var hierarchyErr *InvalidHierarchyError
				if errors.As(err, &hierarchyErr) {
					result.Results[i] = failure(env, err)
					continue
				}
				return err
			}
			child.Merge()
			outcomes = append(outcomes, out)
			positions = append(positions, i)
		}
		return nil
	})
	if err != nil {
		view.Discard()
		msg := fmt.Sprintf("batch processing error: %v", err)
		for i, env := range envs {
			result.Results[i] = ProcessingResult{Success: false, EventName: env.String("name"), Error: msg, Err: err}
		}
		result.Successful = 0
		result.Failed = len(envs)
		result.Error = msg
		result.Err = err
		p.metrics.recordBatch("aborted")
		if p.logger != nil {
			p.logger.Error("batch processing failed", "events", len(envs), "error", err)
		}
		return result
	}

	p.relink(ctx, view.Commit(), outcomes)
	for k, out := range outcomes {
		result.Results[positions[k]] = success(out)
	}
	for _, r := range result.Results {
		if r.Success {
			result.Successful++
			continue
		}
		result.Failed++
		p.metrics.recordEvent(string(domain.ClassifyEventName(r.EventName)), outcomeLabel(r.Err))
	}
	p.metrics.recordBatch("committed")
	p.afterCommit(outcomes)
	return result
}

// ProcessJSON decodes a single envelope and processes it.
func (p *Processor) ProcessJSON(ctx context.Context, data []byte) (ProcessingResult, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return ProcessingResult{}, err
	}
	return p.ProcessOne(ctx, env), nil
}

// ProcessJSONBatch decodes a batch, either a bare array or an object with an
// "events" array, and processes it.
func (p *Processor) ProcessJSONBatch(ctx context.Context, data []byte) (BatchResult, error) {
	envs, err := DecodeBatch(data)
	if err != nil {
		return BatchResult{}, err
	}
	return p.ProcessMany(ctx, envs), nil
}

// DecodeEnvelope decodes one JSON object. Numbers are kept as json.Number.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeJSON(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env == nil {
		return nil, errors.New("decode envelope: expected a JSON object")
	}
	return env, nil
}

// DecodeBatch decodes a JSON array of envelopes or {"events": [...]}.
func DecodeBatch(data []byte) ([]Envelope, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var envs []Envelope
		if err := decodeJSON(data, &envs); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		return envs, nil
	}
	var wrapper struct {
		Events []Envelope `json:"events"`
	}
	if err := decodeJSON(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if wrapper.Events == nil {
		return nil, &MissingFieldError{Field: "events"}
	}
	return wrapper.Events, nil
}

func decodeJSON(data []byte, dst any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	return dec.Decode(dst)
}

// process runs registrar, projector and correlator for one validated envelope.
func (p *Processor) process(ctx context.Context, tx repository.Tx, view *correlate.PendingView, env Envelope) (*outcome, error) {
	ts, err := ParseTimestamp(env.String("timestamp"))
	if err != nil {
		return nil, &FieldTypeError{Field: "timestamp", Expected: "ISO-8601 timestamp", Got: env.String("timestamp")}
	}
	name := env.String("name")
	agentID := env.String("agent_id")
	attrs := env.Attributes()

	if _, err := p.registrar.ResolveAgent(ctx, tx, agentID); err != nil {
		return nil, err
	}

	event := domain.Event{
		Name:          name,
		Category:      domain.ClassifyEventName(name),
		Level:         env.String("level"),
		AgentID:       agentID,
		TraceID:       env.OptionalString("trace_id"),
		SpanID:        env.OptionalString("span_id"),
		ParentSpanID:  env.OptionalString("parent_span_id"),
		Timestamp:     ts,
		SchemaVersion: env.String("schema_version"),
		Attributes:    attrs,
	}

	if event.TraceID != nil {
		if _, err := p.registrar.ResolveTrace(ctx, tx, *event.TraceID, agentID, ts); err != nil {
			return nil, err
		}
	}
	if event.SpanID != nil {
		req := SpanRequest{
			SpanID:       *event.SpanID,
			ParentSpanID: event.ParentSpanID,
			Name:         DeriveSpanName(name),
			Timestamp:    ts,
		}
		if event.TraceID != nil {
			req.TraceID = *event.TraceID
		}
		if _, err := p.registrar.ResolveSpan(ctx, tx, req); err != nil {
			return nil, err
		}
	}
	if sessionID := lookupString(attrs, "session.id"); sessionID != "" {
		if _, err := p.registrar.ResolveSession(ctx, tx, sessionID, agentID, ts); err != nil {
			return nil, err
		}
		event.SessionID = &sessionID
	}

	projection := p.projector.Project(env, event)
	event.Category = projection.Category
	if err := tx.InsertEvent(ctx, &event); err != nil {
		return nil, persistErr("insert event", err)
	}
	projection.SetEventID(event.ID)

	out := &outcome{event: event, projection: projection}
	switch {
	case projection.LLM != nil:
		if err := tx.InsertLLMInteraction(ctx, projection.LLM); err != nil {
			return nil, persistErr("insert llm interaction", err)
		}
		triggers, err := p.correlator.OnLLMEvent(ctx, tx, view, domain.LLMCandidate{
			EventID:       event.ID,
			AgentID:       agentID,
			SpanID:        event.SpanKey(),
			Timestamp:     ts,
			RawAttributes: attrs,
		})
		if err != nil {
			return nil, persistErr("correlate llm event", err)
		}
		out.triggers = triggers
	case projection.Tool != nil:
		if err := tx.InsertToolInteraction(ctx, projection.Tool); err != nil {
			return nil, persistErr("insert tool interaction", err)
		}
	case projection.Framework != nil:
		if err := tx.InsertFrameworkEvent(ctx, projection.Framework); err != nil {
			return nil, persistErr("insert framework event", err)
		}
	case projection.Alert != nil:
		if err := tx.InsertSecurityAlert(ctx, projection.Alert); err != nil {
			return nil, persistErr("insert security alert", err)
		}
		alert := *projection.Alert
		alert.AgentID = agentID
		alert.SpanID = event.SpanKey()
		trigger, err := p.correlator.OnAlert(ctx, tx, view, alert)
		if err != nil {
			return nil, persistErr("correlate security alert", err)
		}
		if trigger != nil {
			out.triggers = []domain.SecurityAlertTrigger{*trigger}
		}
	}
	return out, nil
}

// relink retries the alerts a unit of work just published as pending. A
// matching LLM event committed while they were unpublished could not link
// them. Failures are left to the periodic sweep.
func (p *Processor) relink(ctx context.Context, published []domain.SecurityAlert, outcomes []*outcome) {
	if len(published) == 0 {
		return
	}
	triggers, err := p.correlator.Relink(ctx, published)
	if err != nil && p.logger != nil {
		p.logger.Warn("pending alert relink failed; left to resync", "alerts", len(published), "error", err)
	}
	for _, trigger := range triggers {
		for _, out := range outcomes {
			if out != nil && out.projection.Alert != nil && out.projection.Alert.ID == trigger.AlertID {
				out.triggers = append(out.triggers, trigger)
				break
			}
		}
	}
}

func (p *Processor) afterCommit(outcomes []*outcome) {
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		p.metrics.recordEvent(string(out.event.Category), "processed")
		if out.projection.Degraded != "" {
			prefix, _, _ := strings.Cut(out.event.Name, ".")
			p.metrics.recordDegraded(prefix)
			if p.logger != nil {
				p.logger.Warn("typed payload stored as generic", "event_id", out.event.ID, "event_name", out.event.Name, "reason", out.projection.Degraded)
			}
		}
		for _, trigger := range out.triggers {
			p.metrics.recordTrigger(trigger.Strategy)
			if p.logger != nil {
				p.logger.Info("security alert linked", "alert_id", trigger.AlertID, "triggering_event_id", trigger.TriggeringEventID, "strategy", trigger.Strategy)
			}
		}
		p.broadcast(out)
	}
	p.metrics.setPending(p.correlator.Index().Len())
}

func (p *Processor) broadcast(out *outcome) {
	if p.publisher == nil {
		return
	}
	payload, err := MarshalStreamEvent(out.event, out.triggers)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("failed to marshal stream event", "error", err)
		}
		return
	}
	p.publisher.Broadcast(out.event.AgentID, payload)
}

// MarshalStreamEvent encodes a processed event and the triggers it created
// for SSE/WebSocket clients.
func MarshalStreamEvent(event domain.Event, triggers []domain.SecurityAlertTrigger) ([]byte, error) {
	linked := make([]map[string]any, 0, len(triggers))
	for _, trigger := range triggers {
		linked = append(linked, map[string]any{
			"alert_id":            trigger.AlertID,
			"triggering_event_id": trigger.TriggeringEventID,
			"strategy":            trigger.Strategy,
		})
	}
	payload := map[string]any{
		"id":         event.ID,
		"name":       event.Name,
		"event_type": string(event.Category),
		"level":      event.Level,
		"agent_id":   event.AgentID,
		"trace_id":   event.TraceID,
		"span_id":    event.SpanID,
		"timestamp":  event.Timestamp.UTC().Format(time.RFC3339Nano),
		"triggers":   linked,
	}
	return json.Marshal(payload)
}

func (p *Processor) logFailure(msg string, env Envelope, err error) {
	if p.logger == nil {
		return
	}
	level := slog.LevelWarn
	var persistence *PersistenceError
	if errors.As(err, &persistence) {
		level = slog.LevelError
	}
	p.logger.Log(context.Background(), level, msg, "event_name", env.String("name"), "agent_id", env.String("agent_id"), "error", err)
}

func success(out *outcome) ProcessingResult {
	details := &ResultDetails{
		EventType: string(out.event.Category),
		Degraded:  out.projection.Degraded,
	}
	if out.projection.Alert != nil {
		details.AlertID = out.projection.Alert.ID
	}
	for _, trigger := range out.triggers {
		details.LinkedAlerts = append(details.LinkedAlerts, trigger.AlertID)
	}
	return ProcessingResult{
		Success:   true,
		EventID:   out.event.ID,
		EventName: out.event.Name,
		Details:   details,
	}
}

func failure(env Envelope, err error) ProcessingResult {
	return ProcessingResult{
		Success:   false,
		EventName: env.String("name"),
		Error:     err.Error(),
		Err:       err,
	}
}

func outcomeLabel(err error) string {
	var persistence *PersistenceError
	if errors.As(err, &persistence) {
		return "failed"
	}
	return "rejected"
}

// IsClientError reports whether err was caused by the envelope rather than
// by storage.
func IsClientError(err error) bool {
	var (
		missing     *MissingFieldError
		unsupported *UnsupportedSchemaVersionError
		fieldType   *FieldTypeError
		hierarchy   *InvalidHierarchyError
	)
	return errors.As(err, &missing) || errors.As(err, &unsupported) ||
		errors.As(err, &fieldType) || errors.As(err, &hierarchy)
}
