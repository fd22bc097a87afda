package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/splax/agentwatch/internal/ws"
)

// streamScope resolves the agent a stream subscribes to. Agent tokens are
// pinned to their agent; otherwise an empty agent_id subscribes to all.
func (r *Router) streamScope(w http.ResponseWriter, req *http.Request) (string, bool) {
	agentID := strings.TrimSpace(req.URL.Query().Get("agent_id"))
	if info, ok := authInfoFromContext(req.Context()); ok && info.AgentID != "" {
		if agentID == "" {
			agentID = info.AgentID
		}
		if agentID != info.AgentID {
			writeError(w, http.StatusForbidden, "token not valid for agent")
			return "", false
		}
	}
	if agentID == "" || agentID == ws.AllAgents {
		return ws.AllAgents, true
	}
	return agentID, true
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusInternalServerError, "telemetry stream unavailable")
		return
	}
	agentID, ok := r.streamScope(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := client.Heartbeat(); err != nil {
		return
	}
	r.hub.Register(agentID, client)
	r.metrics.streamOpened("sse")
	defer func() {
		r.hub.Unregister(agentID, client)
		r.metrics.streamClosed("sse")
	}()

	ticker := time.NewTicker(r.opts.StreamHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if client.Closed() {
				return
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusInternalServerError, "telemetry stream unavailable")
		return
	}
	agentID, ok := r.streamScope(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(agentID, client)
	r.metrics.streamOpened("ws")
	go client.Serve(nil, func() {
		r.hub.Unregister(agentID, client)
		r.metrics.streamClosed("ws")
	})
}
