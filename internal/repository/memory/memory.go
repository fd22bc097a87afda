// Package memory provides an in-process implementation of the repository
// interfaces. Transactions are serialized and rolled back through an undo
// journal, which gives the same visibility rules as the PostgreSQL store for
// a single process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/agentwatch/internal/domain"
	"github.com/splax/agentwatch/internal/repository"
)

// Store keeps every table in maps guarded by a single lock.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	agents     map[string]*domain.Agent
	traces     map[string]*domain.Trace
	spans      map[string]*domain.Span
	sessions   map[string]*domain.Session
	events     map[int64]*domain.Event
	llm        map[int64]*domain.LLMInteraction
	tools      map[int64]*domain.ToolInteraction
	frameworks map[int64]*domain.FrameworkEvent
	alerts     map[int64]*domain.SecurityAlert
	triggers   map[int64]*domain.SecurityAlertTrigger

	seq int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		now:        time.Now,
		agents:     make(map[string]*domain.Agent),
		traces:     make(map[string]*domain.Trace),
		spans:      make(map[string]*domain.Span),
		sessions:   make(map[string]*domain.Session),
		events:     make(map[int64]*domain.Event),
		llm:        make(map[int64]*domain.LLMInteraction),
		tools:      make(map[int64]*domain.ToolInteraction),
		frameworks: make(map[int64]*domain.FrameworkEvent),
		alerts:     make(map[int64]*domain.SecurityAlert),
		triggers:   make(map[int64]*domain.SecurityAlertTrigger),
	}
}

var (
	_ repository.Store           = (*Store)(nil)
	_ repository.TelemetryReader = (*Store)(nil)
	_ repository.Tx              = (*tx)(nil)
)

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// WithinTx runs fn while holding the store lock. Writes are undone when fn
// returns an error or panics.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &journal{}
	committed := false
	defer func() {
		if !committed {
			j.rollbackTo(0)
		}
	}()
	if err := fn(&tx{store: s, journal: j}); err != nil {
		return err
	}
	committed = true
	return nil
}

// ListUnlinkedAlerts returns alerts without a trigger, oldest first.
func (s *Store) ListUnlinkedAlerts(context.Context) ([]domain.SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alerts := make([]domain.SecurityAlert, 0)
	for id, alert := range s.alerts {
		if _, linked := s.triggers[id]; linked {
			continue
		}
		alerts = append(alerts, s.alertView(alert))
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	return alerts, nil
}

// GetAlertTrigger returns the trigger recorded for an alert.
func (s *Store) GetAlertTrigger(_ context.Context, alertID int64) (*domain.SecurityAlertTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trigger, ok := s.triggers[alertID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *trigger
	return &copied, nil
}

// SumFinishTokens aggregates token counts over finish interactions only.
func (s *Store) SumFinishTokens(_ context.Context, filter domain.TokenUsageFilter) (domain.TokenUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var usage domain.TokenUsage
	for _, in := range s.llm {
		if in.InteractionType != domain.InteractionFinish {
			continue
		}
		event := s.events[in.EventID]
		if event == nil {
			continue
		}
		if filter.AgentID != "" && event.AgentID != filter.AgentID {
			continue
		}
		if filter.Model != "" && in.Model != filter.Model {
			continue
		}
		if filter.Since != nil && event.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && event.Timestamp.After(*filter.Until) {
			continue
		}
		usage.Interactions++
		usage.InputTokens += deref(in.InputTokens)
		usage.OutputTokens += deref(in.OutputTokens)
		usage.TotalTokens += deref(in.TotalTokens)
	}
	return usage, nil
}

func (s *Store) alertView(alert *domain.SecurityAlert) domain.SecurityAlert {
	view := *alert
	if event := s.events[alert.EventID]; event != nil {
		view.AgentID = event.AgentID
		view.SpanID = event.SpanKey()
	}
	return view
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// journal records undo actions in write order.
type journal struct {
	undo []func()
}

func (j *journal) push(fn func()) {
	j.undo = append(j.undo, fn)
}

func (j *journal) mark() int {
	return len(j.undo)
}

func (j *journal) rollbackTo(mark int) {
	for i := len(j.undo) - 1; i >= mark; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:mark]
}

// put stores value under key and journals the previous state.
func put[K comparable, V any](j *journal, m map[K]V, key K, value V) {
	prev, existed := m[key]
	m[key] = value
	j.push(func() {
		if existed {
			m[key] = prev
			return
		}
		delete(m, key)
	})
}
