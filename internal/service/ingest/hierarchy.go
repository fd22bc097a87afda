package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splax/agentwatch/internal/domain"
	"github.com/splax/agentwatch/internal/repository"
)

// DefaultMaxSpanDepth bounds the parent walk when resolving a root span.
const DefaultMaxSpanDepth = 256

// SpanRequest describes the span an event claims to belong to.
type SpanRequest struct {
	SpanID       string
	TraceID      string
	ParentSpanID *string
	Name         string
	Timestamp    time.Time
}

// Registrar resolves agents, traces, spans and sessions with get-or-create
// semantics. Every method works on the caller's transactional handle.
type Registrar struct {
	now      func() time.Time
	maxDepth int
}

// NewRegistrar constructs a Registrar.
func NewRegistrar() *Registrar {
	return &Registrar{now: time.Now, maxDepth: DefaultMaxSpanDepth}
}

// AgentName returns the display name given to lazily created agents.
func AgentName(agentID string) string {
	short := agentID
	if len(short) > 8 {
		short = short[:8]
	}
	return "Agent-" + short
}

// ResolveAgent creates the agent on first sight and advances its last-seen time.
func (r *Registrar) ResolveAgent(ctx context.Context, tx repository.HierarchyRepository, agentID string) (*domain.Agent, error) {
	agent, err := tx.UpsertAgent(ctx, agentID, AgentName(agentID), r.now().UTC())
	if err != nil {
		return nil, persistErr("resolve agent", err)
	}
	return agent, nil
}

// ResolveTrace creates the trace or widens its bounds to include ts.
func (r *Registrar) ResolveTrace(ctx context.Context, tx repository.HierarchyRepository, traceID, agentID string, ts time.Time) (*domain.Trace, error) {
	trace, err := tx.UpsertTrace(ctx, traceID, agentID, ts)
	if err != nil {
		return nil, persistErr("resolve trace", err)
	}
	return trace, nil
}

// ResolveSession creates the session or widens its bounds to include ts.
func (r *Registrar) ResolveSession(ctx context.Context, tx repository.HierarchyRepository, sessionID, agentID string, ts time.Time) (*domain.Session, error) {
	session, err := tx.UpsertSession(ctx, sessionID, agentID, ts)
	if err != nil {
		return nil, persistErr("resolve session", err)
	}
	return session, nil
}

// ResolveSpan returns the existing span unchanged or creates it. The root
// span id of a new span is found by walking its parent chain.
func (r *Registrar) ResolveSpan(ctx context.Context, tx repository.HierarchyRepository, req SpanRequest) (*domain.Span, error) {
	existing, err := tx.GetSpan(ctx, req.SpanID)
	switch {
	case err == nil:
		if err := tx.WidenSpan(ctx, req.SpanID, req.Timestamp); err != nil {
			return nil, persistErr("widen span", err)
		}
		return existing, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, persistErr("get span", err)
	}

	root, err := r.resolveRoot(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	ts := req.Timestamp.UTC()
	start, end := ts, ts
	span := &domain.Span{
		SpanID:         req.SpanID,
		TraceID:        req.TraceID,
		RootSpanID:     root,
		Name:           req.Name,
		StartTimestamp: &start,
		EndTimestamp:   &end,
	}
	if req.ParentSpanID != nil && *req.ParentSpanID != "" {
		parent := *req.ParentSpanID
		span.ParentSpanID = &parent
	}
	stored, created, err := tx.InsertSpanIfAbsent(ctx, span)
	if err != nil {
		return nil, persistErr("insert span", err)
	}
	if !created {
		if err := tx.WidenSpan(ctx, req.SpanID, req.Timestamp); err != nil {
			return nil, persistErr("widen span", err)
		}
	}
	return stored, nil
}

func (r *Registrar) resolveRoot(ctx context.Context, tx repository.HierarchyRepository, req SpanRequest) (string, error) {
	if req.ParentSpanID == nil || *req.ParentSpanID == "" {
		return req.SpanID, nil
	}
	current := *req.ParentSpanID
	if current == req.SpanID {
		return "", &InvalidHierarchyError{SpanID: req.SpanID, Reason: "span is its own parent"}
	}
	visited := map[string]struct{}{req.SpanID: {}}
	for depth := 0; ; depth++ {
		if depth >= r.maxDepth {
			return "", &InvalidHierarchyError{SpanID: req.SpanID, Reason: fmt.Sprintf("parent chain deeper than %d", r.maxDepth)}
		}
		ancestor, err := tx.GetSpan(ctx, current)
		if errors.Is(err, repository.ErrNotFound) {
			// The missing ancestor becomes the root until it arrives.
			return current, nil
		}
		if err != nil {
			return "", persistErr("get parent span", err)
		}
		if depth == 0 && req.TraceID != "" && ancestor.TraceID != "" && ancestor.TraceID != req.TraceID {
			return "", &InvalidHierarchyError{SpanID: req.SpanID, Reason: fmt.Sprintf("parent %s belongs to trace %s", ancestor.SpanID, ancestor.TraceID)}
		}
		if ancestor.IsRoot() {
			return ancestor.SpanID, nil
		}
		visited[ancestor.SpanID] = struct{}{}
		next := *ancestor.ParentSpanID
		if _, seen := visited[next]; seen {
			return "", &InvalidHierarchyError{SpanID: req.SpanID, Reason: fmt.Sprintf("parent chain cycles through %s", next)}
		}
		current = next
	}
}
