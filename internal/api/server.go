package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchpool/internal/failedlog"
	"github.com/JakeFAU/fetchpool/internal/metrics"
	"github.com/JakeFAU/fetchpool/internal/pool"
	"github.com/JakeFAU/fetchpool/internal/progress"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultFailedLimit    = 100
	maxFailedLimit        = 1000
	maxRequestBody        = 1 << 20
)

// Pool is the subset of *pool.Pool the API drives.
type Pool interface {
	SubmitMany(tasks []pool.Task) error
	Progress() progress.Snapshot
	ResetProgress(phase string) progress.Snapshot
	Running() bool
	Pending() int
	Busy() int
}

// HandlerFactory picks the completion handler for a submitted target. It may
// return nil.
type HandlerFactory func(target string) pool.Handler

// Deps carries everything the Server needs.
type Deps struct {
	Pool           Pool
	Handlers       HandlerFactory
	FailedLogPath  string
	Metrics        *metrics.Collectors
	Gatherer       prometheus.Gatherer
	APIKey         string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the pool.
type Server struct {
	router        chi.Router
	pool          Pool
	handlers      HandlerFactory
	failedLogPath string
	logger        *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		pool:          deps.Pool,
		handlers:      deps.Handlers,
		failedLogPath: deps.FailedLogPath,
		logger:        logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(deps.Metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))

	r.Route("/v1", func(r chi.Router) {
		if deps.APIKey != "" {
			r.Use(apiKeyMiddleware(deps.APIKey))
		}
		r.Get("/progress", s.getProgress)
		r.Post("/progress/reset", s.resetProgress)
		r.Post("/tasks", s.submitTasks)
		r.Get("/failed", s.listFailed)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil || !s.pool.Running() {
		writeError(w, http.StatusServiceUnavailable, "pool not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type progressResponse struct {
	progress.Snapshot
	Percent float64 `json:"percent"`
	Done    bool    `json:"done"`
	Pending int     `json:"pending"`
	Busy    int     `json:"busy"`
}

func (s *Server) progressOf(snap progress.Snapshot) progressResponse {
	return progressResponse{
		Snapshot: snap,
		Percent:  snap.Percent(),
		Done:     snap.Done(),
		Pending:  s.pool.Pending(),
		Busy:     s.pool.Busy(),
	}
}

func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "pool unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.progressOf(s.pool.Progress()))
}

type resetRequest struct {
	Phase string `json:"phase"`
}

func (s *Server) resetProgress(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "pool unavailable")
		return
	}
	var req resetRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	previous := s.pool.Progress()
	current := s.pool.ResetProgress(strings.TrimSpace(req.Phase))
	s.logger.Info("progress reset",
		zap.String("previous_phase_id", previous.PhaseID),
		zap.String("phase_id", current.PhaseID),
		zap.String("phase", current.Phase),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"previous": s.progressOf(previous),
		"current":  s.progressOf(current),
	})
}

type submitRequest struct {
	Targets []string `json:"targets"`
}

func (s *Server) submitTasks(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "pool unavailable")
		return
	}
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	tasks, err := s.toTasks(req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.pool.SubmitMany(tasks); err != nil {
		if errors.Is(err, pool.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("submit tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit tasks")
		return
	}
	snap := s.pool.Progress()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": len(tasks),
		"phase_id": snap.PhaseID,
	})
}

func (s *Server) toTasks(targets []string) ([]pool.Task, error) {
	if len(targets) == 0 {
		return nil, errors.New("targets required")
	}
	tasks := make([]pool.Task, 0, len(targets))
	for i, raw := range targets {
		target := strings.TrimSpace(raw)
		if target == "" {
			return nil, fmt.Errorf("target %d is empty", i)
		}
		var handler pool.Handler
		if s.handlers != nil {
			handler = s.handlers(target)
		}
		tasks = append(tasks, pool.Task{Target: target, Handler: handler})
	}
	return tasks, nil
}

func (s *Server) listFailed(w http.ResponseWriter, r *http.Request) {
	if s.failedLogPath == "" {
		writeError(w, http.StatusServiceUnavailable, "failed log unavailable")
		return
	}
	limit, err := parseLimit(r, defaultFailedLimit, maxFailedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := failedlog.ReadRecords(s.failedLogPath)
	if err != nil {
		s.logger.Error("read failed log", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read failed log")
		return
	}
	total := len(records)
	if total > limit {
		records = records[total-limit:]
	}
	if records == nil {
		records = []failedlog.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"records": records,
	})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the ID assigned by the request ID middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", RequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
