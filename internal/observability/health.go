package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker serves gRPC health plus an HTTP router with /healthz, /metrics and /stats
type HealthChecker struct {
	grpcHealth *health.Server
	httpServer *http.Server
	logger     *zap.Logger
	mu         sync.RWMutex
	ready      bool
	probe      func() bool
	stats      func() any
	gatherer   prometheus.Gatherer
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		grpcHealth: health.NewServer(),
		logger:     logger,
		ready:      true,
		gatherer:   prometheus.DefaultGatherer,
	}
}

// SetReadinessProbe makes /healthz report ready only while probe returns true
func (h *HealthChecker) SetReadinessProbe(probe func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probe = probe
}

// SetStatsSource sets the value served as JSON on /stats
func (h *HealthChecker) SetStatsSource(stats func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = stats
}

// SetGatherer replaces the default Prometheus gatherer served on /metrics
func (h *HealthChecker) SetGatherer(g prometheus.Gatherer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gatherer = g
}

// RegisterGRPC registers the health service with the gRPC server
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// Router builds the HTTP routes
func (h *HealthChecker) Router() chi.Router {
	h.mu.RLock()
	gatherer := h.gatherer
	h.mu.RUnlock()

	r := chi.NewRouter()
	r.Use(h.requestLogging)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/stats", h.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

// StartHTTPServer starts the HTTP server
func (h *HealthChecker) StartHTTPServer(addr string) error {
	h.mu.Lock()
	h.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := h.httpServer
	h.mu.Unlock()

	h.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the health checker
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	srv := h.httpServer
	h.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	probe := h.probe
	h.mu.RUnlock()

	if ready && (probe == nil || probe()) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
	}
}

func (h *HealthChecker) handleStats(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stats := h.stats
	h.mu.RUnlock()

	if stats == nil {
		http.Error(w, "no stats source", http.StatusNotFound)
		return
	}

	data, err := sonic.ConfigStd.Marshal(stats())
	if err != nil {
		h.logger.Error("failed to encode stats", zap.Error(err))
		http.Error(w, "failed to encode stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// requestLogging logs each request at debug level
func (h *HealthChecker) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// statusWriter captures the status code
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}
