package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/splax/agentwatch/internal/service/ingest"
)

func (r *Router) handleTelemetry(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, ok := r.readBody(w, req, routeTelemetry, maxEnvelopeBytes)
	if !ok {
		return
	}
	env, err := ingest.DecodeEnvelope(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !allowedAgent(req.Context(), env.String("agent_id")) {
		writeError(w, http.StatusForbidden, "token not valid for agent")
		return
	}
	res := r.processor.ProcessOne(req.Context(), env)
	r.metrics.observeResult(routeTelemetry, res)
	writeResult(w, res)
}

func (r *Router) handleTelemetryBatch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, ok := r.readBody(w, req, routeTelemetryBatch, maxBatchBytes)
	if !ok {
		return
	}
	envs, err := ingest.DecodeBatch(body)
	if err != nil {
		if ingest.IsClientError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(envs) > r.opts.MaxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch of %d events exceeds limit of %d", len(envs), r.opts.MaxBatchSize))
		return
	}
	for _, env := range envs {
		if !allowedAgent(req.Context(), env.String("agent_id")) {
			writeError(w, http.StatusForbidden, "token not valid for agent")
			return
		}
	}
	res := r.processor.ProcessMany(req.Context(), envs)
	r.metrics.observeBatch(routeTelemetryBatch, res)
	writeBatch(w, res)
}

// readBody reads at most limit bytes, answering 413 past the limit.
func (r *Router) readBody(w http.ResponseWriter, req *http.Request, route string, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return nil, false
	}
	r.metrics.observeBody(route, len(body))
	return body, true
}
