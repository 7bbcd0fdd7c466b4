package proxy

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seekcache/seekcache/internal/logger"
)

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Routes:
//   - GET/HEAD /stream/{entryKey} - Range-aware media streaming
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe (storage reachable)
//   - GET /stats - Cache statistics
//   - GET /metrics - Prometheus metrics
//
// There is deliberately no timeout middleware: a paused player can hold a
// stream open for a long time and the wait logic enforces its own bounds.
func NewRouter(h *streamHandler) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/stream/{entryKey}", h.handleStream)
	r.Head("/stream/{entryKey}", h.handleStream)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.handleLiveness)
		r.Get("/ready", h.handleReadiness)
	})

	r.Get("/stats", h.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// requestLogger logs requests using the internal logger.
//
// Request start goes out at DEBUG, completion at INFO with status and
// duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("proxy request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"range", r.Header.Get("Range"),
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("proxy request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
