// ============================================================================
// Stream Gateway Server - HTTP, WebSocket and gRPC Health Transport
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose the pipeline over HTTP and WebSocket, and report liveness
//          over the standard gRPC health protocol
//
// Routes:
//   GET  /api/queue/status              admission snapshot
//   POST /api/recommendations/stream    plain-text streamed generation
//   POST /api/recommendations           full pipeline, JSON result
//   GET  /ws/recommendations            WebSocket generation
//   POST /api/sentiment                 enrichment lookup (always 200)
//   GET  /healthz                       liveness
//   GET  /metrics                       Prometheus (when configured)
//
// Error Mapping (before the first streamed byte):
//   *admission.QueuedError          202 {queued, position, message}
//   admission.ErrAdmissionTimeout   503 + Retry-After
//   pipeline.ErrGenerationTimeout   504
//   upstream / document errors      502
//   anything else                   500
//
// After the first byte the status line is committed; the outcome is carried
// in the X-Stream-Status trailer instead.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/stream-gateway/internal/admission"
	"github.com/ChuLiYu/stream-gateway/internal/pipeline"
	"github.com/ChuLiYu/stream-gateway/internal/upstream"
	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

// StreamStatusTrailer carries the outcome of a streamed generation.
const StreamStatusTrailer = "X-Stream-Status"

// Stream outcome labels used in the trailer and in WebSocket error codes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusQueued    = "queued"
	StatusBusy      = "busy"
)

// Enricher serves the standalone enrichment endpoint.
type Enricher interface {
	Lookup(ctx context.Context, keys []string) types.Enrichment
}

// Config for the HTTP server.
type Config struct {
	MaxBodyBytes  int64         // request body limit, default 1MB
	RetryAfter    time.Duration // advertised on 503, default 5s
	ShutdownGrace time.Duration // default 15s
	MetricsPath   string        // default /metrics
	Metrics       http.Handler  // nil disables the metrics route
}

// Server routes requests to the pipeline.
type Server struct {
	cfg      Config
	pipe     *pipeline.Pipeline
	enricher Enricher
	log      *slog.Logger
	mux      *http.ServeMux
}

// New builds the server and its routes.
func New(p *pipeline.Pipeline, enricher Enricher, cfg Config, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		pipe:     p,
		enricher: enricher,
		log:      logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/queue/status", s.handleQueueStatus)
	s.mux.HandleFunc("POST /api/recommendations/stream", s.handleStream)
	s.mux.HandleFunc("POST /api/recommendations", s.handleGenerate)
	s.mux.HandleFunc("GET /ws/recommendations", s.handleWebSocket)
	s.mux.HandleFunc("POST /api/sentiment", s.handleSentiment)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Metrics != nil {
		s.mux.Handle("GET "+s.cfg.MetricsPath, s.cfg.Metrics)
	}
}

// Handler returns the routed handler wrapped with request ids and recovery.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.withRecover(s.mux))
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: streamed generations run for minutes
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server.http.listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("server.http.shutdown", "grace", s.cfg.ShutdownGrace)
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// ============================================================================
// Middleware
// ============================================================================

type ctxKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("server.http.panic", "req_id", RequestID(r.Context()), "path", r.URL.Path, "panic", v)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Helpers
// ============================================================================

type errorBody struct {
	Error string      `json:"error"`
	Code  string      `json:"code,omitempty"`
	JobID types.JobID `json:"jobId,omitempty"`
}

// queuedBody is the short-circuit answer for callers that will not wait.
type queuedBody struct {
	Queued   bool        `json:"queued"`
	Position int         `json:"position"`
	Message  string      `json:"message"`
	JobID    types.JobID `json:"jobId"`
}

func queuedMessage(pos int) string {
	return fmt.Sprintf("All generation slots are busy; you are number %d in line. Retry shortly.", pos)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// decodeRequest reads a generation request bounded by the body limit.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (types.GenerationRequest, error) {
	var req types.GenerationRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Profile) == 0 {
		return req, errors.New("profile is required")
	}
	if req.JobID == "" {
		req.JobID = types.JobID(uuid.New().String())
	}
	return req, nil
}

// classify maps a pipeline error to an HTTP status and an outcome label.
func classify(err error) (int, string) {
	var (
		qe *admission.QueuedError
		se *upstream.StatusError
	)
	switch {
	case errors.As(err, &qe):
		return http.StatusAccepted, StatusQueued
	case errors.Is(err, admission.ErrAdmissionTimeout):
		return http.StatusServiceUnavailable, StatusBusy
	case errors.Is(err, pipeline.ErrGenerationTimeout):
		return http.StatusGatewayTimeout, StatusTimeout
	case errors.As(err, &se),
		errors.Is(err, upstream.ErrUnavailable),
		errors.Is(err, upstream.ErrStream),
		errors.Is(err, pipeline.ErrInvalidDocument):
		return http.StatusBadGateway, StatusFailed
	default:
		return http.StatusInternalServerError, StatusFailed
	}
}

// writePipelineError answers a failure that happened before any body byte.
func (s *Server) writePipelineError(w http.ResponseWriter, id types.JobID, err error) {
	code, label := classify(err)
	var qe *admission.QueuedError
	if errors.As(err, &qe) {
		writeJSON(w, code, queuedBody{Queued: true, Position: qe.Position, Message: queuedMessage(qe.Position), JobID: id})
		return
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(s.cfg.RetryAfter.Seconds())))
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Code: label, JobID: id})
}
