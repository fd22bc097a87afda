package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/splax/agentwatch/internal/domain"
	"github.com/splax/agentwatch/internal/repository"
)

// tx is the transactional handle. It is only valid while WithinTx holds the
// store lock.
type tx struct {
	store   *Store
	journal *journal
}

func (t *tx) Savepoint(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mark := t.journal.mark()
	if err := fn(&tx{store: t.store, journal: t.journal}); err != nil {
		t.journal.rollbackTo(mark)
		return err
	}
	return nil
}

func (t *tx) UpsertAgent(ctx context.Context, agentID, name string, seenAt time.Time) (*domain.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if agentID == "" {
		return nil, repository.ErrInvalidArgument
	}
	seenAt = seenAt.UTC()
	var next domain.Agent
	if current, ok := t.store.agents[agentID]; ok {
		next = *current
		if seenAt.After(next.LastSeen) {
			next.LastSeen = seenAt
		}
		next.IsActive = true
	} else {
		next = domain.Agent{AgentID: agentID, Name: name, FirstSeen: seenAt, LastSeen: seenAt, IsActive: true}
	}
	put(t.journal, t.store.agents, agentID, &next)
	out := next
	return &out, nil
}

func (t *tx) UpsertTrace(ctx context.Context, traceID, agentID string, ts time.Time) (*domain.Trace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := t.store.agents[agentID]; !ok {
		return nil, fmt.Errorf("trace %s: agent %s: %w", traceID, agentID, repository.ErrNotFound)
	}
	ts = ts.UTC()
	var next domain.Trace
	if current, ok := t.store.traces[traceID]; ok {
		next = *current
		if ts.Before(next.StartTimestamp) {
			next.StartTimestamp = ts
		}
		if ts.After(next.EndTimestamp) {
			next.EndTimestamp = ts
		}
	} else {
		next = domain.Trace{TraceID: traceID, AgentID: agentID, StartTimestamp: ts, EndTimestamp: ts}
	}
	put(t.journal, t.store.traces, traceID, &next)
	out := next
	return &out, nil
}

func (t *tx) GetSpan(ctx context.Context, spanID string) (*domain.Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	span, ok := t.store.spans[spanID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySpan(span), nil
}

func (t *tx) InsertSpanIfAbsent(ctx context.Context, span *domain.Span) (*domain.Span, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if span == nil || span.SpanID == "" {
		return nil, false, repository.ErrInvalidArgument
	}
	if existing, ok := t.store.spans[span.SpanID]; ok {
		return copySpan(existing), false, nil
	}
	if span.TraceID != "" {
		if _, ok := t.store.traces[span.TraceID]; !ok {
			return nil, false, fmt.Errorf("span %s: trace %s: %w", span.SpanID, span.TraceID, repository.ErrNotFound)
		}
	}
	stored := copySpan(span)
	put(t.journal, t.store.spans, span.SpanID, stored)
	return copySpan(stored), true, nil
}

func (t *tx) WidenSpan(ctx context.Context, spanID string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, ok := t.store.spans[spanID]
	if !ok {
		return repository.ErrNotFound
	}
	ts = ts.UTC()
	next := copySpan(current)
	if next.StartTimestamp == nil || ts.Before(*next.StartTimestamp) {
		start := ts
		next.StartTimestamp = &start
	}
	if next.EndTimestamp == nil || ts.After(*next.EndTimestamp) {
		end := ts
		next.EndTimestamp = &end
	}
	put(t.journal, t.store.spans, spanID, next)
	return nil
}

func (t *tx) UpsertSession(ctx context.Context, sessionID, agentID string, ts time.Time) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := t.store.agents[agentID]; !ok {
		return nil, fmt.Errorf("session %s: agent %s: %w", sessionID, agentID, repository.ErrNotFound)
	}
	ts = ts.UTC()
	var next domain.Session
	if current, ok := t.store.sessions[sessionID]; ok {
		next = *current
		if ts.Before(next.StartTimestamp) {
			next.StartTimestamp = ts
		}
		if next.EndTimestamp == nil || ts.After(*next.EndTimestamp) {
			end := ts
			next.EndTimestamp = &end
		}
	} else {
		end := ts
		next = domain.Session{SessionID: sessionID, AgentID: agentID, StartTimestamp: ts, EndTimestamp: &end}
	}
	put(t.journal, t.store.sessions, sessionID, &next)
	out := next
	return &out, nil
}

func (t *tx) InsertEvent(ctx context.Context, event *domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("event required")
	}
	if !event.Category.Valid() {
		return fmt.Errorf("event category %q: %w", event.Category, repository.ErrInvalidArgument)
	}
	if _, ok := t.store.agents[event.AgentID]; !ok {
		return fmt.Errorf("event agent %s: %w", event.AgentID, repository.ErrNotFound)
	}
	if event.TraceID != nil {
		if _, ok := t.store.traces[*event.TraceID]; !ok {
			return fmt.Errorf("event trace %s: %w", *event.TraceID, repository.ErrNotFound)
		}
	}
	if event.SpanID != nil {
		if _, ok := t.store.spans[*event.SpanID]; !ok {
			return fmt.Errorf("event span %s: %w", *event.SpanID, repository.ErrNotFound)
		}
	}
	if event.SessionID != nil {
		if _, ok := t.store.sessions[*event.SessionID]; !ok {
			return fmt.Errorf("event session %s: %w", *event.SessionID, repository.ErrNotFound)
		}
	}
	event.ID = t.store.nextID()
	stored := *event
	stored.Timestamp = stored.Timestamp.UTC()
	stored.Attributes = maps.Clone(event.Attributes)
	put(t.journal, t.store.events, stored.ID, &stored)
	return nil
}

func (t *tx) requireEvent(eventID int64) error {
	if _, ok := t.store.events[eventID]; !ok {
		return fmt.Errorf("event %d: %w", eventID, repository.ErrNotFound)
	}
	return nil
}

func (t *tx) InsertLLMInteraction(ctx context.Context, in *domain.LLMInteraction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if in == nil {
		return fmt.Errorf("llm interaction required")
	}
	if err := t.requireEvent(in.EventID); err != nil {
		return err
	}
	if _, ok := t.store.llm[in.EventID]; ok {
		return fmt.Errorf("llm interaction for event %d: %w", in.EventID, repository.ErrConflict)
	}
	in.ID = t.store.nextID()
	stored := *in
	put(t.journal, t.store.llm, in.EventID, &stored)
	return nil
}

func (t *tx) InsertToolInteraction(ctx context.Context, in *domain.ToolInteraction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if in == nil {
		return fmt.Errorf("tool interaction required")
	}
	if err := t.requireEvent(in.EventID); err != nil {
		return err
	}
	if _, ok := t.store.tools[in.EventID]; ok {
		return fmt.Errorf("tool interaction for event %d: %w", in.EventID, repository.ErrConflict)
	}
	in.ID = t.store.nextID()
	stored := *in
	put(t.journal, t.store.tools, in.EventID, &stored)
	return nil
}

func (t *tx) InsertFrameworkEvent(ctx context.Context, fe *domain.FrameworkEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fe == nil {
		return fmt.Errorf("framework event required")
	}
	if err := t.requireEvent(fe.EventID); err != nil {
		return err
	}
	if _, ok := t.store.frameworks[fe.EventID]; ok {
		return fmt.Errorf("framework event for event %d: %w", fe.EventID, repository.ErrConflict)
	}
	fe.ID = t.store.nextID()
	stored := *fe
	put(t.journal, t.store.frameworks, fe.EventID, &stored)
	return nil
}

func (t *tx) InsertSecurityAlert(ctx context.Context, alert *domain.SecurityAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if alert == nil {
		return fmt.Errorf("security alert required")
	}
	if err := t.requireEvent(alert.EventID); err != nil {
		return err
	}
	for _, existing := range t.store.alerts {
		if existing.EventID == alert.EventID {
			return fmt.Errorf("security alert for event %d: %w", alert.EventID, repository.ErrConflict)
		}
	}
	if alert.Status == "" {
		alert.Status = domain.AlertStatusOpen
	}
	alert.ID = t.store.nextID()
	stored := *alert
	stored.Timestamp = stored.Timestamp.UTC()
	put(t.journal, t.store.alerts, stored.ID, &stored)
	return nil
}

func (t *tx) LatestLLMEventInSpan(ctx context.Context, spanID string, at time.Time) (*domain.LLMCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var best *domain.Event
	for _, event := range t.store.events {
		if event.Category != domain.CategoryLLM || event.SpanKey() != spanID || event.Timestamp.After(at) {
			continue
		}
		if best == nil || newer(event, best) {
			best = event
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	candidate := toCandidate(best)
	return &candidate, nil
}

func (t *tx) ListLLMCandidates(ctx context.Context, q domain.CandidateQuery) ([]domain.LLMCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched := make([]*domain.Event, 0)
	for _, event := range t.store.events {
		if event.Category != domain.CategoryLLM || event.AgentID != q.AgentID {
			continue
		}
		if event.Timestamp.Before(q.From) || event.Timestamp.After(q.To) {
			continue
		}
		matched = append(matched, event)
	}
	sort.Slice(matched, func(i, j int) bool { return newer(matched[i], matched[j]) })
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	candidates := make([]domain.LLMCandidate, 0, len(matched))
	for _, event := range matched {
		candidates = append(candidates, toCandidate(event))
	}
	return candidates, nil
}

func (t *tx) InsertAlertTrigger(ctx context.Context, trigger *domain.SecurityAlertTrigger) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if trigger == nil {
		return false, fmt.Errorf("trigger required")
	}
	if _, ok := t.store.alerts[trigger.AlertID]; !ok {
		return false, fmt.Errorf("alert %d: %w", trigger.AlertID, repository.ErrNotFound)
	}
	if err := t.requireEvent(trigger.TriggeringEventID); err != nil {
		return false, err
	}
	switch trigger.Strategy {
	case domain.TriggerStrategySpan, domain.TriggerStrategyContent:
	default:
		return false, fmt.Errorf("trigger strategy %q: %w", trigger.Strategy, repository.ErrInvalidArgument)
	}
	if _, linked := t.store.triggers[trigger.AlertID]; linked {
		return false, nil
	}
	trigger.ID = t.store.nextID()
	trigger.CreatedAt = t.store.now().UTC()
	stored := *trigger
	put(t.journal, t.store.triggers, trigger.AlertID, &stored)
	return true, nil
}

// newer orders events by timestamp descending, then id descending.
func newer(a, b *domain.Event) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID > b.ID
	}
	return a.Timestamp.After(b.Timestamp)
}

func toCandidate(event *domain.Event) domain.LLMCandidate {
	return domain.LLMCandidate{
		EventID:       event.ID,
		AgentID:       event.AgentID,
		SpanID:        event.SpanKey(),
		Timestamp:     event.Timestamp,
		RawAttributes: event.Attributes,
	}
}

func copySpan(span *domain.Span) *domain.Span {
	out := *span
	if span.ParentSpanID != nil {
		parent := *span.ParentSpanID
		out.ParentSpanID = &parent
	}
	if span.StartTimestamp != nil {
		start := *span.StartTimestamp
		out.StartTimestamp = &start
	}
	if span.EndTimestamp != nil {
		end := *span.EndTimestamp
		out.EndTimestamp = &end
	}
	return &out
}
