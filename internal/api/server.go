package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/metadata-inventory/internal/broker"
	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/metadata"
	"github.com/JakeFAU/metadata-inventory/internal/metrics"
	"github.com/JakeFAU/metadata-inventory/internal/publisher"
	"github.com/JakeFAU/metadata-inventory/internal/repository"
)

// Server wires HTTP handlers to the publisher and the record store.
type Server struct {
	router chi.Router
	pub    publisher.Publisher
	repo   repository.Repository
	idGen  metadata.IDGenerator
	clock  metadata.Clock
	cfg    config.APIConfig
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	pub publisher.Publisher,
	repo repository.Repository,
	idGen metadata.IDGenerator,
	clock metadata.Clock,
	cfg config.APIConfig,
	logger *zap.Logger,
) *Server {
	s := &Server{
		pub:    pub,
		repo:   repo,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health/live", s.live)
	r.Get("/health/ready", s.ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/metadata", s.postMetadata)
	r.Get("/metadata", s.getMetadata)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if !s.pub.Ready() {
		s.logger.Warn("readiness_failed", zap.String("reason", "publisher_not_ready"))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "publisher_not_ready",
		})
		return
	}
	pingCtx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadinessPingTimeout())
	defer cancel()
	if err := s.repo.Ping(pingCtx); err != nil {
		s.logger.Warn("readiness_failed", zap.String("reason", "store_ping_failed"), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "store_ping_failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type postMetadataRequest struct {
	URL string `json:"url"`
}

func (s *Server) postMetadata(w http.ResponseWriter, r *http.Request) {
	var req postMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	url, err := metadata.CanonicalURL(req.URL)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid url")
		return
	}
	s.enqueue(w, r, url)
}

func (s *Server) getMetadata(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing required query parameter: url")
		return
	}
	url, err := metadata.CanonicalURL(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}

	rec, err := s.repo.Get(r.Context(), url)
	switch {
	case err == nil:
		if s.respondFromRecord(w, rec) {
			return
		}
		// Unrecognized status, fall through and enqueue again.
	case errors.Is(err, repository.ErrNotFound):
	default:
		s.logger.Error("metadata_lookup_failed", zap.String("url", url), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
		return
	}
	s.enqueue(w, r, url)
}

// respondFromRecord maps a stored record to its HTTP shape. It reports false
// for statuses it does not recognize so the caller can re-enqueue.
func (s *Server) respondFromRecord(w http.ResponseWriter, rec *metadata.Record) bool {
	switch {
	case rec.Status == metadata.StatusCompleted:
		writeJSON(w, http.StatusOK, completedResponse{
			Status: rec.Status,
			URL:    rec.URL,
			Metadata: pagePayload{
				StatusCode: rec.Page.StatusCode,
				Headers:    orEmpty(rec.Page.Headers),
				Cookies:    orEmpty(rec.Page.Cookies),
				PageSource: rec.Page.PageSource,
				Details:    rec.Page.Details,
			},
		})
		return true
	case rec.Status == metadata.StatusFailedPermanent:
		writeJSON(w, http.StatusOK, failedResponse{
			Status:        rec.Status,
			URL:           rec.URL,
			ErrorMsg:      rec.Processing.ErrorMsg,
			AttemptNumber: rec.Processing.AttemptNumber,
		})
		return true
	case rec.Status.InFlight():
		// Reported uniformly as IN_PROGRESS; the worker will finish it, so
		// no re-enqueue.
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			Status:    metadata.StatusInProgress,
			URL:       rec.URL,
			RequestID: rec.Processing.LastRequestID,
		})
		return true
	default:
		return false
	}
}

// enqueue is the shared publish path for POST and GET misses. A nil publish
// error means the broker confirmed the message, which is what makes the 202
// trustworthy.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, url string) {
	requestID, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("request_id_failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "publish_failed")
		return
	}
	task := metadata.TaskMessage{
		URL:         url,
		RequestID:   requestID,
		RequestedAt: s.clock.Now(),
	}
	if err := s.pub.Publish(r.Context(), task); err != nil {
		reason := publishFailureReason(err)
		s.logger.Warn("publish_failed",
			zap.String("url", url),
			zap.String("request_id", requestID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, reason)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Status:    metadata.StatusQueued,
		URL:       url,
		RequestID: requestID,
	})
}

// publishFailureReason produces the stable reason strings clients can match
// against in 503 bodies.
func publishFailureReason(err error) string {
	switch {
	case errors.Is(err, broker.ErrNotReady), errors.Is(err, broker.ErrClosed):
		return "publisher_not_ready"
	case errors.Is(err, broker.ErrQueueRejected):
		return "queue_rejected"
	case errors.Is(err, broker.ErrConfirmTimeout):
		return "publish_timeout"
	case errors.Is(err, broker.ErrConnectionLost):
		return "connection_lost"
	default:
		return "publish_failed"
	}
}

type acceptedResponse struct {
	Status    metadata.Status `json:"status"`
	URL       string          `json:"url"`
	RequestID string          `json:"request_id"`
}

type completedResponse struct {
	Status   metadata.Status `json:"status"`
	URL      string          `json:"url"`
	Metadata pagePayload     `json:"metadata"`
}

type pagePayload struct {
	StatusCode int                         `json:"status_code"`
	Headers    map[string]string           `json:"headers"`
	Cookies    map[string]string           `json:"cookies"`
	PageSource string                      `json:"page_source"`
	Details    *metadata.TruncationDetails `json:"additional_details"`
}

type failedResponse struct {
	Status        metadata.Status `json:"status"`
	URL           string          `json:"url"`
	ErrorMsg      string          `json:"error_msg"`
	AttemptNumber int             `json:"attempt_number"`
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request_completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("latency_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestIDFromContext(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic_recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("response_write_failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
