package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/episurv/surveillance/pkg/log"
	"github.com/episurv/surveillance/pkg/metrics"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	healthCheckTimeout      = 2 * time.Second
)

// HealthCheck reports whether the process can serve its work, usually by pinging the database.
type HealthCheck func(ctx context.Context) error

type MetricServer struct {
	bindAddress string
	httpServer  *http.Server
	listener    net.Listener
}

func NewMetricServer(bindAddress string, listener net.Listener, logLevel string, health HealthCheck) *MetricServer {
	router := chi.NewRouter()

	httpMetrics := metrics.NewMiddleware("metrics")
	if err := httpMetrics.Register(prometheus.DefaultRegisterer); err != nil {
		zap.S().Named("metrics_server").Warnw("http metrics not registered", "error", err)
	}

	router.Use(
		chiMiddleware.RequestID,
		log.DebugRequestLogger(logLevel, zap.L(), "metrics_server"),
		httpMetrics.Handler,
		chiMiddleware.Recoverer,
	)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/health", healthHandler(health))

	return &MetricServer{
		bindAddress: bindAddress,
		listener:    listener,
		httpServer: &http.Server{
			Addr:              bindAddress,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

type HealthReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h HealthReply) Render(w http.ResponseWriter, r *http.Request) error {
	if h.Error != "" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	return nil
}

func healthHandler(health HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := health(ctx); err != nil {
				zap.S().Named("metrics_server").Warnw("health check failed", "error", err)
				_ = render.Render(w, r, HealthReply{Status: "unhealthy", Error: err.Error()})
				return
			}
		}
		_ = render.Render(w, r, HealthReply{Status: "ok"})
	}
}

// Run serves until ctx is done, then shuts the server down gracefully.
func (m *MetricServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		m.httpServer.SetKeepAlivesEnabled(false)
		_ = m.httpServer.Shutdown(ctxTimeout)
		zap.S().Named("metrics_server").Info("metrics server terminated")
	}()

	zap.S().Named("metrics_server").Infof("serving metrics: %s", m.bindAddress)
	if err := m.httpServer.Serve(m.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
