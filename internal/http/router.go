package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/agentwatch/internal/repository"
	"github.com/splax/agentwatch/internal/service/ingest"
	"github.com/splax/agentwatch/internal/ws"
)

// Options tunes the ingestion surface.
type Options struct {
	// MaxBatchSize bounds the number of envelopes accepted per batch request.
	MaxBatchSize int
	// IngestRateLimit is the per-agent (or per-IP) request budget per minute.
	IngestRateLimit int
	// TokenSecret enables bearer authentication when non-empty.
	TokenSecret     string
	StreamHeartbeat time.Duration
	Health          func(context.Context) error
}

// Router wires HTTP endpoints to the ingestion services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	processor *ingest.Processor
	reader    repository.TelemetryReader
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	opts      Options
	metrics   *ingestMetrics
}

const (
	routeTelemetry      = "/v1/telemetry"
	routeTelemetryBatch = "/v1/telemetry/batch"
)

const (
	rateWindowDefault      = time.Minute
	rateLimitRead          = 240
	rateLimitStream        = 30
	healthCheckTimeout     = 2 * time.Second
	maxEnvelopeBytes       = 1 << 20
	maxBatchBytes          = 16 << 20
	defaultMaxBatchSize    = 500
	defaultStreamHeartbeat = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, processor *ingest.Processor, reader repository.TelemetryReader, hub *ws.Hub, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaultMaxBatchSize
	}
	if opts.StreamHeartbeat <= 0 {
		opts.StreamHeartbeat = defaultStreamHeartbeat
	}
	opts.TokenSecret = strings.TrimSpace(opts.TokenSecret)
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
		processor: processor,
		reader:    reader,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		opts:    opts,
		metrics: loadMetrics(),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc(routeTelemetry, r.audit(routeTelemetry, r.handlerAuthRate(routeTelemetry, r.opts.IngestRateLimit, rateWindowDefault, r.handleTelemetry)))
	r.mux.HandleFunc(routeTelemetryBatch, r.audit(routeTelemetryBatch, r.handlerAuthRate(routeTelemetryBatch, r.opts.IngestRateLimit, rateWindowDefault, r.handleTelemetryBatch)))
	r.mux.HandleFunc("/v1/telemetry/stream", r.audit("/v1/telemetry/stream", r.handlerAuthRate("/v1/telemetry/stream", rateLimitStream, rateWindowDefault, r.handleStream)))
	r.mux.HandleFunc("/ws/telemetry", r.audit("/ws/telemetry", r.handlerAuthRate("/ws/telemetry", rateLimitStream, rateWindowDefault, r.handleStreamWS)))
	r.mux.HandleFunc("/v1/alerts/", r.audit("/v1/alerts/{id}/trigger", r.handlerAuthRate("/v1/alerts", rateLimitRead, rateWindowDefault, r.handleAlertTrigger)))
	r.mux.HandleFunc("/v1/tokens", r.audit("/v1/tokens", r.handlerAuthRate("/v1/tokens", rateLimitRead, rateWindowDefault, r.handleTokens)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.opts.Health != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.opts.Health(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.processor != nil {
		components["correlator"] = map[string]any{
			"status":         "up",
			"pending_alerts": r.processor.Correlator().Index().Len(),
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.observeRequest(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "token"
			fields = append(fields, "token_id", info.TokenID)
			if info.AgentID != "" {
				actor = "agent"
				fields = append(fields, "agent_id", info.AgentID)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
