// Package server exposes the agent over HTTP.
//
// Routes:
//   - /* - intercepted client traffic, answered by Agent.OnIntercept
//   - POST /_agent/control - control channel message
//   - POST /_agent/push - inbound push payload
//   - POST /_agent/notifications/activate - notification activation
//   - POST /_agent/connectivity - explicit connectivity-restored signal
//   - POST /_agent/clients - open a client context
//   - POST /_agent/clients/{id}/heartbeat - keep a client context alive
//   - DELETE /_agent/clients/{id} - close a client context
//   - GET /_agent/clients/{id}/messages - long-poll messages for a client
//   - GET /_agent/queue - list queued operations
//   - DELETE /_agent/queue/{id} - cancel a queued operation
//   - GET /healthz, /readyz, /health, /health/{name} - health probes
//   - GET /metrics - Prometheus metrics
//
// The /_agent routes require the control credentials when any are
// configured.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/offlineagent/agent"
	"github.com/jonwraymond/offlineagent/auth"
	"github.com/jonwraymond/offlineagent/health"
	"github.com/jonwraymond/offlineagent/observe"
)

// ControlPrefix is the path prefix of the agent's own routes.
const ControlPrefix = "/_agent"

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Agent  *agent.Agent
	Health *health.Aggregator

	// Auth guards the /_agent routes. Nil leaves them open.
	Auth auth.Authenticator

	// Metrics serves /metrics from this gatherer. Nil uses the default
	// Prometheus registry, where the OpenTelemetry exporter registers.
	Metrics prometheus.Gatherer

	// PollTimeout bounds a message long-poll. Default: 25s.
	PollTimeout time.Duration

	Logger observe.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = prometheus.DefaultGatherer
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 25 * time.Second
	}
	if cfg.Health == nil {
		cfg.Health = health.NewAggregator(health.AggregatorConfig{})
	}
	logger := observe.OrNop(cfg.Logger)
	h := &handlers{agent: cfg.Agent, pollTimeout: cfg.PollTimeout, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	health.Mount(r, cfg.Health)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth, logger))

		r.Post("/control", h.control)
		r.Post("/push", h.push)
		r.Post("/notifications/activate", h.activateNotification)
		r.Post("/connectivity", h.connectivity)

		r.Route("/clients", func(r chi.Router) {
			r.Post("/", h.openClient)
			r.Post("/{id}/heartbeat", h.heartbeat)
			r.Delete("/{id}", h.closeClient)
			r.Get("/{id}/messages", h.messages)
		})

		r.Get("/queue", h.listQueue)
		r.Delete("/queue/{id}", h.cancelOperation)
	})

	r.HandleFunc("/*", h.intercept)
	return r
}

// requestLogger logs each request at completion. Probe and metrics
// scrapes are logged at debug level.
func requestLogger(logger observe.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := []observe.Field{
				observe.F("request_id", middleware.GetReqID(r.Context())),
				observe.F("method", r.Method),
				observe.F("path", r.URL.Path),
				observe.F("status", ww.Status()),
				observe.F("bytes", ww.BytesWritten()),
				observe.F("duration", time.Since(start).String()),
			}
			if quiet(r.URL.Path) {
				logger.Debug(r.Context(), "request completed", fields...)
				return
			}
			logger.Info(r.Context(), "request completed", fields...)
		})
	}
}

func quiet(path string) bool {
	return path == "/metrics" || path == "/healthz" || path == "/readyz" || strings.HasPrefix(path, "/health")
}
