package memory

import (
	"sort"

	"github.com/splax/agentwatch/internal/domain"
	"github.com/splax/agentwatch/internal/repository"
)

// Agent returns a committed agent.
func (s *Store) Agent(agentID string) (domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return domain.Agent{}, repository.ErrNotFound
	}
	return *agent, nil
}

// Trace returns a committed trace.
func (s *Store) Trace(traceID string) (domain.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trace, ok := s.traces[traceID]
	if !ok {
		return domain.Trace{}, repository.ErrNotFound
	}
	return *trace, nil
}

// Span returns a committed span.
func (s *Store) Span(spanID string) (domain.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	span, ok := s.spans[spanID]
	if !ok {
		return domain.Span{}, repository.ErrNotFound
	}
	return *copySpan(span), nil
}

// Session returns a committed session.
func (s *Store) Session(sessionID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, repository.ErrNotFound
	}
	return *session, nil
}

// Events returns committed events ordered by id.
func (s *Store) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.events, func(e domain.Event) int64 { return e.ID })
}

// LLMInteractions returns committed llm projections ordered by id.
func (s *Store) LLMInteractions() []domain.LLMInteraction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.llm, func(in domain.LLMInteraction) int64 { return in.ID })
}

// ToolInteractions returns committed tool projections ordered by id.
func (s *Store) ToolInteractions() []domain.ToolInteraction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.tools, func(in domain.ToolInteraction) int64 { return in.ID })
}

// FrameworkEvents returns committed framework projections ordered by id.
func (s *Store) FrameworkEvents() []domain.FrameworkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.frameworks, func(fe domain.FrameworkEvent) int64 { return fe.ID })
}

// SecurityAlerts returns committed alerts ordered by id.
func (s *Store) SecurityAlerts() []domain.SecurityAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	alerts := make([]domain.SecurityAlert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		alerts = append(alerts, s.alertView(alert))
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts
}

// Triggers returns committed alert triggers ordered by id.
func (s *Store) Triggers() []domain.SecurityAlertTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.triggers, func(t domain.SecurityAlertTrigger) int64 { return t.ID })
}

func sortedValues[K comparable, V any](m map[K]*V, id func(V) int64) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out
}
