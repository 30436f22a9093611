// This file implements task-mcp's HTTP transport: a Streamable-HTTP-style
// /mcp endpoint (NDJSON request/response framing over POST), an /sse
// endpoint for server push, and the operational surface (/healthz,
// /readyz, /metrics, /security/metrics).
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/taskmcp/taskmcp/internal/audit"
	"github.com/taskmcp/taskmcp/internal/correlate"
	"github.com/taskmcp/taskmcp/internal/health"
	"github.com/taskmcp/taskmcp/internal/security"
)

// DefaultMaxResponseBytes caps a single HTTP response body (spec: 1024 KiB).
const DefaultMaxResponseBytes = 1024 * 1024

// DefaultHTTPMaxInFlight bounds concurrent HTTP-dispatched requests. Unlike
// the stdio transport, HTTP cannot "pause reads" to back-pressure a client
// that already sent its request — so once the cap is hit, new requests are
// rejected immediately with SERVER_BUSY instead of queuing. This is
// distinct from (and much larger than) the stdio cap: an HTTP deployment
// typically serves many more concurrent short-lived callers than a single
// stdio-connected client.
const DefaultHTTPMaxInFlight = 100

// HeartbeatInterval is how often the SSE stream emits a keep-alive comment
// frame, plus one sent immediately on connect, to keep intermediaries from
// closing the idle connection while a tool call is in flight.
const HeartbeatInterval = 25 * time.Second

// DefaultAPIVersion is stamped on start/result/error events when the
// request body omits apiVersion.
const DefaultAPIVersion = "2024-11-05"

// maxRequestBytes caps the size of a decoded {tool, input, apiVersion}
// request body.
const maxRequestBytes = 10 * 1024 * 1024

// invokeRequest is the documented POST /mcp and POST /sse request body.
type invokeRequest struct {
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input"`
	APIVersion string          `json:"apiVersion,omitempty"`
}

// event envelopes one line of a POST /mcp NDJSON response. SSE framing
// carries the same fields as event:/id:/data: lines instead.
type event struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data"`
}

type startPayload struct {
	Tool       string `json:"tool"`
	APIVersion string `json:"apiVersion"`
	Ts         int64  `json:"ts"`
}

type resultPayload struct {
	APIVersion string `json:"apiVersion"`
	Tool       string `json:"tool"`
	StartedAt  int64  `json:"startedAt"`
	Result     any    `json:"result"`
	Duration   int64  `json:"duration"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

type errorPayload struct {
	APIVersion string      `json:"apiVersion"`
	Tool       string      `json:"tool"`
	StartedAt  int64       `json:"startedAt"`
	Error      errorDetail `json:"error"`
}

type endPayload struct {
	Ts int64 `json:"ts"`
}

// HTTPServer wraps Server with the HTTP/SSE/NDJSON transport.
type HTTPServer struct {
	server    *Server
	logger    *slog.Logger
	auth      *security.Authenticator
	adminAuth *security.Authenticator
	limiter   *security.RateLimiter
	metrics   *security.Metrics
	health    *health.Checker
	audit     *audit.Logger

	corsOrigins []string
	maxInFlight int
	sem         *semaphore.Weighted
}

// Options configures NewHTTPServer.
type Options struct {
	CORSOrigins []string
	Auth        *security.Authenticator
	// AdminAuth, if set, gates GET /security/metrics separately from the
	// /mcp bearer check — a distinct token scope for operational
	// visibility, since a caller who can open/archive changes shouldn't
	// automatically also see security-incident counters.
	AdminAuth   *security.Authenticator
	Limiter     *security.RateLimiter
	Metrics     *security.Metrics
	Health      *health.Checker
	Audit       *audit.Logger
	MaxInFlight int
}

// NewHTTPServer creates an HTTP transport wrapper around the core MCP server.
func NewHTTPServer(server *Server, logger *slog.Logger, opts Options) *HTTPServer {
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultHTTPMaxInFlight
	}
	return &HTTPServer{
		server:      server,
		logger:      logger,
		auth:        opts.Auth,
		adminAuth:   opts.AdminAuth,
		limiter:     opts.Limiter,
		metrics:     opts.Metrics,
		health:      opts.Health,
		audit:       opts.Audit,
		corsOrigins: opts.CORSOrigins,
		maxInFlight: maxInFlight,
		sem:         semaphore.NewWeighted(int64(maxInFlight)),
	}
}

// Handler returns the fully-wired chi router.
func (h *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Accept", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"Mcp-Session-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.With(h.adminAuthMiddleware).Get("/security/metrics", h.handleSecurityMetrics)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Use(h.rateLimitMiddleware)
		r.Post("/mcp", h.handlePost)
		r.Get("/mcp", h.handleGetRejected)
		r.Post("/sse", h.handleSSE)
	})

	return r
}

func (h *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		switch h.auth.Authenticate(r) {
		case security.ResultOK:
			next.ServeHTTP(w, r)
		case security.ResultMissing:
			if h.metrics != nil {
				h.metrics.AuthFailure()
			}
			h.recordAudit(audit.Entry{RemoteAddr: security.KeyFor(r), Event: "auth", Outcome: "missing"})
			h.writeJSONError(w, http.StatusUnauthorized, correlate.CodeAuthMissing)
		case security.ResultInvalid:
			if h.metrics != nil {
				h.metrics.AuthFailure()
			}
			h.recordAudit(audit.Entry{RemoteAddr: security.KeyFor(r), Event: "auth", Outcome: "invalid"})
			h.writeJSONError(w, correlate.CodeAuthInvalid.HTTPStatus(), correlate.CodeAuthInvalid)
		case security.ResultBlocked:
			if h.metrics != nil {
				h.metrics.AuthBlocked()
			}
			h.recordAudit(audit.Entry{RemoteAddr: security.KeyFor(r), Event: "auth", Outcome: "blocked"})
			h.writeJSONError(w, http.StatusTooManyRequests, correlate.CodeRateLimited)
		}
	})
}

func (h *HTTPServer) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminAuth == nil {
			next.ServeHTTP(w, r)
			return
		}
		switch h.adminAuth.Authenticate(r) {
		case security.ResultOK:
			next.ServeHTTP(w, r)
		case security.ResultBlocked:
			h.writeJSONError(w, http.StatusTooManyRequests, correlate.CodeRateLimited)
		default:
			h.writeJSONError(w, http.StatusUnauthorized, correlate.CodeAuthMissing)
		}
	})
}

func (h *HTTPServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !h.limiter.Allow(security.KeyFor(r)) {
			if h.metrics != nil {
				h.metrics.RateLimited()
			}
			h.writeJSONError(w, http.StatusTooManyRequests, correlate.CodeRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// readInvokeRequest decodes the documented {tool, input, apiVersion} body,
// capped at maxRequestBytes.
func readInvokeRequest(w http.ResponseWriter, r *http.Request) (invokeRequest, error) {
	defer r.Body.Close()
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var req invokeRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return invokeRequest{}, err
	}
	return req, nil
}

// runTool dispatches req.Tool and reports its outcome through emit, in the
// documented order: start, then exactly one of result or error, then end.
// task-mcp tools run to completion in one step, so no progress events are
// emitted today; the envelope leaves room for a tool that reports interim
// progress without a wire-format change.
func (h *HTTPServer) runTool(ctx context.Context, corrID string, req invokeRequest, emit func(eventType string, data any) error) {
	apiVersion := req.APIVersion
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	startedAt := time.Now()

	if err := emit("start", startPayload{Tool: req.Tool, APIVersion: apiVersion, Ts: startedAt.UnixMilli()}); err != nil {
		return
	}

	tool := h.server.Tool(req.Tool)
	if tool == nil {
		_ = emit("error", errorPayload{
			APIVersion: apiVersion,
			Tool:       req.Tool,
			StartedAt:  startedAt.UnixMilli(),
			Error:      errorDetail{Code: string(correlate.CodeInternal), Message: fmt.Sprintf("tool not found: %s", req.Tool)},
		})
		_ = emit("end", endPayload{Ts: time.Now().UnixMilli()})
		return
	}

	result, err := tool.Execute(ctx, req.Input)
	if err != nil {
		ce, ok := err.(*correlate.Error)
		if !ok {
			ce = correlate.New(correlate.CodeInternal, err.Error())
		}
		if err := emit("error", errorPayload{
			APIVersion: apiVersion,
			Tool:       req.Tool,
			StartedAt:  startedAt.UnixMilli(),
			Error:      errorDetail{Code: string(ce.Code), Message: ce.Message, Hint: ce.Hint},
		}); err != nil {
			return
		}
	} else {
		if err := emit("result", resultPayload{
			APIVersion: apiVersion,
			Tool:       req.Tool,
			StartedAt:  startedAt.UnixMilli(),
			Result:     result,
			Duration:   time.Since(startedAt).Milliseconds(),
		}); err != nil {
			return
		}
	}

	_ = emit("end", endPayload{Ts: time.Now().UnixMilli()})
}

// handlePost implements POST /mcp: a single {tool, input, apiVersion} body
// answered as NDJSON, one event object per line, flushed after each.
func (h *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	if !h.sem.TryAcquire(1) {
		if h.metrics != nil {
			h.metrics.RequestBusy()
		}
		h.writeJSONError(w, http.StatusServiceUnavailable, correlate.CodeServerBusy)
		return
	}
	defer h.sem.Release(1)
	if h.metrics != nil {
		h.metrics.RequestServed()
	}

	// r.Context() is already cancelled on client disconnect by net/http;
	// that cancellation reaches tool.Execute, and any subprocess a tool
	// launches on its behalf, since testrunner/vcs derive their exec
	// contexts from it.
	ctx, corrID := correlate.Ensure(r.Context())

	req, err := readInvokeRequest(w, r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, correlate.CodeBadSlug)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	respWriter := &sizeCappedWriter{w: w, max: DefaultMaxResponseBytes}
	var writeErr error
	emit := func(eventType string, data any) error {
		if writeErr != nil {
			return writeErr
		}
		line, err := json.Marshal(event{Event: eventType, ID: corrID, Data: data})
		if err != nil {
			writeErr = err
			return err
		}
		line = append(line, '\n')
		if _, err := respWriter.Write(line); err != nil {
			if err == errResponseTooLarge {
				h.logger.Error("response exceeded size cap", "error", err, "correlation_id", corrID)
			}
			writeErr = err
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	}

	h.runTool(ctx, corrID, req, emit)

	outcome := "ok"
	if writeErr != nil {
		outcome = "error"
	}
	h.recordAudit(audit.Entry{CorrelationID: corrID, RemoteAddr: security.KeyFor(r), Event: "rpc", Outcome: outcome})
}

func (h *HTTPServer) handleGetRejected(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "POST")
	h.writeJSONError(w, http.StatusMethodNotAllowed, correlate.CodeInternal)
}

// handleSSE implements POST /sse: the same {tool, input, apiVersion} body
// as /mcp, answered as an SSE stream of start/result-or-error/end events,
// interleaved with keep-alive comment frames so intermediaries don't close
// the connection while a slow tool runs. Dropping the connection cancels
// r.Context(), which in turn cancels the in-flight tool's subprocesses.
func (h *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !h.sem.TryAcquire(1) {
		if h.metrics != nil {
			h.metrics.RequestBusy()
		}
		h.writeJSONError(w, http.StatusServiceUnavailable, correlate.CodeServerBusy)
		return
	}
	defer h.sem.Release(1)
	if h.metrics != nil {
		h.metrics.RequestServed()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, corrID := correlate.Ensure(r.Context())

	req, err := readInvokeRequest(w, r)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, correlate.CodeBadSlug)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var mu sync.Mutex
	var writeErr error
	respWriter := &sizeCappedWriter{w: w, max: DefaultMaxResponseBytes}

	writeFrame := func(b []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if writeErr != nil {
			return writeErr
		}
		if _, err := respWriter.Write(b); err != nil {
			writeErr = err
			return err
		}
		flusher.Flush()
		return nil
	}

	// One immediate keep-alive on connect, before anything else.
	if err := writeFrame([]byte(": keep-alive\n")); err != nil {
		return
	}

	emit := func(eventType string, data any) error {
		payload, err := json.Marshal(data)
		if err != nil {
			return err
		}
		frame := fmt.Sprintf("event: %s\nid: %s\ndata: %s\n\n", eventType, corrID, payload)
		return writeFrame([]byte(frame))
	}

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runTool(ctx, corrID, req, emit)
	}()

	outcome := "ok"
	for {
		select {
		case <-done:
			h.recordAudit(audit.Entry{CorrelationID: corrID, RemoteAddr: security.KeyFor(r), Event: "rpc", Outcome: outcome})
			return
		case <-ctx.Done():
			h.recordAudit(audit.Entry{CorrelationID: corrID, RemoteAddr: security.KeyFor(r), Event: "rpc", Outcome: "cancelled"})
			return
		case <-ticker.C:
			if err := writeFrame([]byte(": keep-alive\n")); err != nil {
				outcome = "error"
			}
		}
	}
}

func (h *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.health == nil || h.health.Liveness() {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
}

func (h *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
		return
	}
	readiness := h.health.Readiness()
	status := http.StatusOK
	if !readiness.Ready {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, readiness)
}

func (h *HTTPServer) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		h.writeJSON(w, http.StatusOK, security.Snapshot{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *HTTPServer) recordAudit(e audit.Entry) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(e); err != nil {
		h.logger.Error("failed to write audit entry", "error", err)
	}
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

func (h *HTTPServer) writeJSONError(w http.ResponseWriter, httpStatus int, code correlate.Code) {
	resp := &Response{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code.JSONRPCCode(),
			Message: string(code),
		},
	}
	h.writeJSON(w, httpStatus, resp)
}

var errResponseTooLarge = fmt.Errorf("response exceeded size cap")

// sizeCappedWriter refuses the write that would take the total past max
// bytes, and every write after it, with errResponseTooLarge instead of
// writing a truncated chunk. The handlers log that error and stop emitting;
// no RESPONSE_TOO_LARGE event is sent to the client.
type sizeCappedWriter struct {
	w      http.ResponseWriter
	max    int64
	n      int64
	mu     sync.Mutex
	capped bool
}

func (s *sizeCappedWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capped {
		return 0, errResponseTooLarge
	}
	s.n += int64(len(p))
	if s.n > s.max {
		s.capped = true
		return 0, errResponseTooLarge
	}
	return s.w.Write(p)
}

var _ io.Writer = (*sizeCappedWriter)(nil)
