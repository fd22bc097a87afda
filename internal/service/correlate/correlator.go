// Package correlate links security alerts to the LLM events that caused them.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/splax/agentwatch/internal/domain"
	"github.com/splax/agentwatch/internal/repository"
)

const (
	defaultLookback         = 5 * time.Minute
	defaultKeywordThreshold = 0.5
	defaultMinKeywordLength = 3
	defaultCandidateLimit   = 50
	defaultRefreshInterval  = time.Minute
)

// Config tunes correlation.
type Config struct {
	// Lookback bounds how far before an alert content candidates are searched.
	Lookback         time.Duration
	KeywordThreshold float64
	MinKeywordLength int
	// CandidateLimit caps content matching to the newest LLM events in the
	// window; older events in the same window are not considered.
	CandidateLimit  int
	RefreshInterval time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Lookback:         defaultLookback,
		KeywordThreshold: defaultKeywordThreshold,
		MinKeywordLength: defaultMinKeywordLength,
		CandidateLimit:   defaultCandidateLimit,
		RefreshInterval:  defaultRefreshInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Lookback <= 0 {
		c.Lookback = defaultLookback
	}
	if c.KeywordThreshold <= 0 || c.KeywordThreshold > 1 {
		c.KeywordThreshold = defaultKeywordThreshold
	}
	if c.MinKeywordLength <= 0 {
		c.MinKeywordLength = defaultMinKeywordLength
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = defaultCandidateLimit
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	return c
}

// AlertSource lists alerts that have no trigger yet and opens the units of
// work used to link them outside of ingestion.
type AlertSource interface {
	ListUnlinkedAlerts(ctx context.Context) ([]domain.SecurityAlert, error)
	WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error
}

// Correlator applies span and content matching at alert creation and
// retroactively when LLM events arrive.
type Correlator struct {
	cfg    Config
	index  *PendingIndex
	source AlertSource
	logger *slog.Logger
	once   sync.Once
}

// New constructs a Correlator with an empty pending index.
func New(source AlertSource, cfg Config, logger *slog.Logger) *Correlator {
	if logger != nil {
		logger = logger.With("component", "correlator")
	}
	return &Correlator{
		cfg:    cfg.withDefaults(),
		index:  NewPendingIndex(),
		source: source,
		logger: logger,
	}
}

// Config returns the effective configuration.
func (c *Correlator) Config() Config {
	return c.cfg
}

// Index exposes the shared pending index.
func (c *Correlator) Index() *PendingIndex {
	return c.index
}

// Begin opens a staged view of the pending index for one unit of work.
func (c *Correlator) Begin() *PendingView {
	return c.index.View()
}

// OnAlert tries to link a freshly persisted alert. Alert.AgentID and
// Alert.SpanID must mirror the owning event. An alert that cannot be linked
// yet is staged as pending in view.
func (c *Correlator) OnAlert(ctx context.Context, tx repository.CorrelationRepository, view *PendingView, alert domain.SecurityAlert) (*domain.SecurityAlertTrigger, error) {
	trigger, err := c.resolve(ctx, tx, alert)
	if err != nil {
		return nil, err
	}
	if trigger == nil {
		view.Add(alert)
		return nil, nil
	}
	return c.link(ctx, tx, view, trigger)
}

// OnLLMEvent checks a freshly persisted LLM event against pending alerts it
// may have caused: alerts in the same span, then content candidates of the
// same agent, all with a timestamp at or after the event. Every alert it
// helps resolve is linked.
func (c *Correlator) OnLLMEvent(ctx context.Context, tx repository.CorrelationRepository, view *PendingView, event domain.LLMCandidate) ([]domain.SecurityAlertTrigger, error) {
	affected := make([]domain.SecurityAlert, 0)
	seen := make(map[int64]struct{})
	if event.SpanID != "" {
		for _, alert := range view.BySpan(event.SpanID, event.Timestamp) {
			seen[alert.ID] = struct{}{}
			affected = append(affected, alert)
		}
	}
	windowed := view.InWindow(event.AgentID, event.Timestamp, event.Timestamp.Add(c.cfg.Lookback))
	if len(windowed) > 0 {
		text := CandidateText(event.RawAttributes)
		for _, alert := range windowed {
			if _, ok := seen[alert.ID]; ok {
				continue
			}
			if Overlaps(ExtractHints(alert.RawAttributes, c.cfg.MinKeywordLength), text, c.cfg.KeywordThreshold) {
				seen[alert.ID] = struct{}{}
				affected = append(affected, alert)
			}
		}
	}
	if len(affected) == 0 {
		return nil, nil
	}
	sort.Slice(affected, func(i, j int) bool { return alertBefore(affected[i], affected[j]) })

	triggers := make([]domain.SecurityAlertTrigger, 0, len(affected))
	for _, alert := range affected {
		trigger, err := c.resolve(ctx, tx, alert)
		if err != nil {
			return nil, err
		}
		if trigger == nil {
			continue
		}
		linked, err := c.link(ctx, tx, view, trigger)
		if err != nil {
			return nil, err
		}
		if linked != nil {
			triggers = append(triggers, *linked)
		}
	}
	return triggers, nil
}

// resolve picks the trigger for alert among events visible to tx: the latest
// LLM event of its span, otherwise the most recent content match of its
// agent within the look-back window.
func (c *Correlator) resolve(ctx context.Context, tx repository.CorrelationRepository, alert domain.SecurityAlert) (*domain.SecurityAlertTrigger, error) {
	if alert.SpanID != "" {
		candidate, err := tx.LatestLLMEventInSpan(ctx, alert.SpanID, alert.Timestamp)
		switch {
		case err == nil:
			return &domain.SecurityAlertTrigger{
				AlertID:           alert.ID,
				TriggeringEventID: candidate.EventID,
				Strategy:          domain.TriggerStrategySpan,
			}, nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("span match for alert %d: %w", alert.ID, err)
		}
	}

	hints := ExtractHints(alert.RawAttributes, c.cfg.MinKeywordLength)
	if hints.Empty() || alert.AgentID == "" {
		return nil, nil
	}
	candidates, err := tx.ListLLMCandidates(ctx, domain.CandidateQuery{
		AgentID: alert.AgentID,
		From:    alert.Timestamp.Add(-c.cfg.Lookback),
		To:      alert.Timestamp,
		Limit:   c.cfg.CandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("content candidates for alert %d: %w", alert.ID, err)
	}
	for _, candidate := range candidates {
		if Overlaps(hints, CandidateText(candidate.RawAttributes), c.cfg.KeywordThreshold) {
			return &domain.SecurityAlertTrigger{
				AlertID:           alert.ID,
				TriggeringEventID: candidate.EventID,
				Strategy:          domain.TriggerStrategyContent,
			}, nil
		}
	}
	return nil, nil
}

// link stores trigger and drops the alert from the pending set. A trigger
// already stored by another unit of work leaves nothing to report.
func (c *Correlator) link(ctx context.Context, tx repository.CorrelationRepository, view *PendingView, trigger *domain.SecurityAlertTrigger) (*domain.SecurityAlertTrigger, error) {
	inserted, err := tx.InsertAlertTrigger(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("insert trigger for alert %d: %w", trigger.AlertID, err)
	}
	view.Remove(trigger.AlertID)
	if !inserted {
		if c.logger != nil {
			c.logger.Debug("alert already linked", "alert_id", trigger.AlertID)
		}
		return nil, nil
	}
	return trigger, nil
}

// Relink retries resolution for alerts that are still pending, one unit of
// work per alert. It closes the gap between an alert's commit and its
// publication to the index, during which a matching LLM event cannot see it.
// Alerts that no longer resolve stay pending; errors are joined.
func (c *Correlator) Relink(ctx context.Context, alerts []domain.SecurityAlert) ([]domain.SecurityAlertTrigger, error) {
	if c.source == nil || len(alerts) == 0 {
		return nil, nil
	}
	var (
		triggers []domain.SecurityAlertTrigger
		errs     []error
	)
	for _, alert := range alerts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !c.index.Contains(alert.ID) {
			continue
		}
		view := c.Begin()
		var linked *domain.SecurityAlertTrigger
		err := c.source.WithinTx(ctx, func(tx repository.Tx) error {
			trigger, err := c.resolve(ctx, tx, alert)
			if err != nil || trigger == nil {
				return err
			}
			linked, err = c.link(ctx, tx, view, trigger)
			return err
		})
		if err != nil {
			view.Discard()
			errs = append(errs, fmt.Errorf("relink alert %d: %w", alert.ID, err))
			continue
		}
		view.Commit()
		if linked != nil {
			triggers = append(triggers, *linked)
			if c.logger != nil {
				c.logger.Info("pending alert linked", "alert_id", linked.AlertID, "triggering_event_id", linked.TriggeringEventID, "strategy", linked.Strategy)
			}
		}
	}
	return triggers, errors.Join(errs...)
}

// Hydrate loads the pending set from the store, then retries every pending
// alert against events committed since it was staged, including events
// written by other processes.
func (c *Correlator) Hydrate(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	since := c.index.Seq()
	alerts, err := c.source.ListUnlinkedAlerts(ctx)
	if err != nil {
		return fmt.Errorf("list unlinked alerts: %w", err)
	}
	added, dropped := c.index.Reconcile(alerts, since)
	if c.logger != nil && (added > 0 || dropped > 0) {
		c.logger.Info("pending alerts synchronised", "added", added, "dropped", dropped, "pending", c.index.Len())
	}
	if _, err := c.Relink(ctx, c.index.Snapshot()); err != nil {
		return fmt.Errorf("sweep pending alerts: %w", err)
	}
	return nil
}

// Run re-synchronises the pending index periodically until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context) {
	if c == nil {
		return
	}
	c.once.Do(func() {
		if c.logger != nil {
			c.logger.Info("correlator started", "refresh_interval", c.cfg.RefreshInterval, "lookback", c.cfg.Lookback)
		}
	})
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.logger != nil {
				c.logger.Info("correlator stopped")
			}
			return
		case <-ticker.C:
			if err := c.Hydrate(ctx); err != nil && c.logger != nil && ctx.Err() == nil {
				c.logger.Warn("pending alert resync failed", "error", err)
			}
		}
	}
}
