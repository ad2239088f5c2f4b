package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/metrics"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/stats"
)

const requestTimeout = 10 * time.Second

// Broker is the slice of the progress hub the stream handler needs.
type Broker interface {
	Subscribe(topic string, sub progress.Subscriber) (string, error)
	Unsubscribe(id string) bool
}

// Snapshotter returns the latest frame seen by the relay.
type Snapshotter interface {
	Latest() (progress.Event, stats.Rates, bool)
}

// Deps collects the collaborators the server reads from. Nil fields disable
// the routes that need them: a nil Broker or Snapshotter answers 503.
type Deps struct {
	Broker      Broker
	Snapshot    Snapshotter
	Ready       func() bool
	Gatherer    prometheus.Gatherer
	HTTPMetrics *metrics.HTTP
	Topic       string
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the hub and the snapshot sink.
type Server struct {
	router    chi.Router
	broker    Broker
	snapshot  Snapshotter
	ready     func() bool
	topic     string
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	topic := deps.Topic
	if topic == "" {
		topic = progress.TopicFFmpegStats
	}
	s := &Server{
		broker:    deps.Broker,
		snapshot:  deps.Snapshot,
		ready:     deps.Ready,
		topic:     topic,
		logger:    logger,
		heartbeat: defaultHeartbeat,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(deps.HTTPMetrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/v1/stats/stream", s.streamStats)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
		r.Get("/v1/stats/latest", s.latestStats)
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
	if s.ready != nil && !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
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
				zap.String("request_id", requestID(r.Context())),
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
						zap.String("request_id", requestID(r.Context())),
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

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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
