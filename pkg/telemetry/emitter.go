// Package telemetry is a client for the agentwatch ingestion API.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout       = 5 * time.Second
	maxErrorBodySize     = 4096
	defaultSchemaVersion = "1.0"
)

// ErrUnauthorized indicates the API rejected the ingest token.
var ErrUnauthorized = errors.New("telemetry unauthorized")

// ErrInvalidResponse indicates the API returned a malformed response payload.
var ErrInvalidResponse = errors.New("telemetry invalid response")

// ErrInvalidArgument indicates the API rejected the envelope.
var ErrInvalidArgument = errors.New("telemetry invalid argument")

// ErrBatchTooLarge indicates the batch exceeded the server limit.
var ErrBatchTooLarge = errors.New("telemetry batch too large")

// Emitter sends telemetry envelopes to the agentwatch API.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Event is one telemetry envelope.
type Event struct {
	Name          string
	Level         string
	AgentID       string
	TraceID       string
	SpanID        string
	ParentSpanID  string
	SchemaVersion string
	Attributes    map[string]any
	Timestamp     time.Time
}

// Result mirrors the server outcome of one envelope.
type Result struct {
	Success   bool   `json:"success"`
	EventID   int64  `json:"event_id"`
	EventName string `json:"event_name"`
	Error     string `json:"error"`
}

// BatchResult mirrors the server outcome of a batch.
type BatchResult struct {
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Results    []Result `json:"results"`
	Error      string   `json:"error"`
}

// NewEmitter creates an emitter for the API base URL. token may be empty when
// the server runs without ingest authentication.
func NewEmitter(baseURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("telemetry base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit sends one envelope and returns the server result.
func (e *Emitter) Emit(ctx context.Context, event Event) (Result, error) {
	var result Result
	if e == nil {
		return result, errors.New("telemetry emitter not initialised")
	}
	payload, err := buildPayload(event, e.now)
	if err != nil {
		return result, err
	}
	if err := e.post(ctx, "/v1/telemetry", payload, &result); err != nil {
		return result, err
	}
	return result, nil
}

// EmitBatch sends envelopes in one batch. Per-envelope rejections are
// reported in the result, not as an error.
func (e *Emitter) EmitBatch(ctx context.Context, events []Event) (BatchResult, error) {
	var result BatchResult
	if e == nil {
		return result, errors.New("telemetry emitter not initialised")
	}
	if len(events) == 0 {
		return result, nil
	}
	envelopes := make([]map[string]any, 0, len(events))
	for i, event := range events {
		payload, err := buildPayload(event, e.now)
		if err != nil {
			return result, fmt.Errorf("event %d: %w", i, err)
		}
		envelopes = append(envelopes, payload)
	}
	if err := e.post(ctx, "/v1/telemetry/batch", map[string]any{"events": envelopes}, &result); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Emitter) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telemetry payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telemetry request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return e.errorForStatus(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(buf, &payload) == nil && payload.Error != "" {
		summary = payload.Error
	}
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrBatchTooLarge, summary)
	default:
		return fmt.Errorf("telemetry request failed: %s", summary)
	}
}

func buildPayload(event Event, nowFn func() time.Time) (map[string]any, error) {
	name := strings.TrimSpace(event.Name)
	if name == "" {
		return nil, errors.New("telemetry requires name")
	}
	agentID := strings.TrimSpace(event.AgentID)
	if agentID == "" {
		return nil, errors.New("telemetry requires agent_id")
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = nowFn()
	}
	level := strings.ToUpper(strings.TrimSpace(event.Level))
	if level == "" {
		level = "INFO"
	}
	version := strings.TrimSpace(event.SchemaVersion)
	if version == "" {
		version = defaultSchemaVersion
	}
	attrs := event.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	payload := map[string]any{
		"timestamp":      ts.UTC().Format(time.RFC3339Nano),
		"name":           name,
		"level":          level,
		"agent_id":       agentID,
		"schema_version": version,
		"attributes":     attrs,
	}
	optional := map[string]string{
		"trace_id":       event.TraceID,
		"span_id":        event.SpanID,
		"parent_span_id": event.ParentSpanID,
	}
	for key, value := range optional {
		if value = strings.TrimSpace(value); value != "" {
			payload[key] = value
		}
	}
	return payload, nil
}
