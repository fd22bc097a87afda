package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/agentwatch/internal/domain"
	"github.com/splax/agentwatch/internal/repository"
)

// handleAlertTrigger serves GET /v1/alerts/{id}/trigger.
func (r *Router) handleAlertTrigger(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/v1/alerts/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "trigger" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	alertID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || alertID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	trigger, err := r.reader.GetAlertTrigger(req.Context(), alertID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert has no trigger")
			return
		}
		r.logger.Error("trigger lookup failed", "alert_id", alertID, "error", err)
		writeError(w, http.StatusInternalServerError, "trigger lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, marshalTrigger(*trigger))
}

// handleTokens serves finish-only token totals.
func (r *Router) handleTokens(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	filter := domain.TokenUsageFilter{
		AgentID: strings.TrimSpace(query.Get("agent_id")),
		Model:   strings.TrimSpace(query.Get("model")),
	}
	if info, ok := authInfoFromContext(req.Context()); ok && info.AgentID != "" {
		if filter.AgentID == "" {
			filter.AgentID = info.AgentID
		}
		if filter.AgentID != info.AgentID {
			writeError(w, http.StatusForbidden, "token not valid for agent")
			return
		}
	}
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := strings.TrimSpace(query.Get(bound.name))
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+bound.name+" timestamp")
			return
		}
		parsed = parsed.UTC()
		*bound.dst = &parsed
	}

	usage, err := r.reader.SumFinishTokens(req.Context(), filter)
	if err != nil {
		r.logger.Error("token aggregation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":      filter.AgentID,
		"model":         filter.Model,
		"interactions":  usage.Interactions,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"total_tokens":  usage.TotalTokens,
	})
}

func marshalTrigger(trigger domain.SecurityAlertTrigger) map[string]any {
	return map[string]any{
		"id":                  trigger.ID,
		"alert_id":            trigger.AlertID,
		"triggering_event_id": trigger.TriggeringEventID,
		"strategy":            trigger.Strategy,
		"created_at":          trigger.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
