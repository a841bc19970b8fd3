package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/strogmv/notify/internal/monitoring"
	"github.com/strogmv/notify/internal/pkg/metrics"
	"github.com/strogmv/notify/internal/port"
)

var validate = validator.New()

// Monitor is the read-only view the monitoring endpoints render.
type Monitor interface {
	Connections() monitoring.Connections
	UserConnections(ctx context.Context, userID string) monitoring.UserConnections
	Metrics() metrics.Snapshot
	Health(ctx context.Context) monitoring.Health
}

type Options struct {
	InternalToken string
	// WriteTimeout bounds each write to a stream client.
	WriteTimeout time.Duration
	// IdleTimeout is how long a WebSocket may stay silent (no pong, no message) before it is dropped.
	IdleTimeout time.Duration
	CORSOrigins []string
}

type Handler struct {
	opts     Options
	hub      port.StreamHub
	notifier port.Notifier
	auth     port.Authenticator
	monitor  Monitor
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewHandler(opts Options, hub port.StreamHub, notifier port.Notifier, auth port.Authenticator,
	monitor Monitor, m *metrics.Metrics, log *slog.Logger) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		opts:     opts,
		hub:      hub,
		notifier: notifier,
		auth:     auth,
		monitor:  monitor,
		metrics:  m,
		log:      log.With("component", "http"),
	}
}

// Routes builds the HTTP surface. No request timeout middleware is installed: stream handlers
// live as long as the client stays connected.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))
	r.Use(MetricsMiddleware(h.metrics))

	r.Route("/api/v1/notifications", func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Get("/stream", h.Stream)
		r.Get("/ws", h.WebSocket)
		r.Post("/connections/{connectionID}/heartbeat", h.Heartbeat)
	})
	r.With(h.InternalMiddleware).Post("/internal/v1/notifications", h.Publish)

	r.Route("/monitoring", func(r chi.Router) {
		r.Get("/connections", h.Connections)
		r.Get("/connections/{userID}", h.UserConnections)
		r.Get("/metrics", h.MetricsSnapshot)
		r.Get("/health", h.Health)
	})
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	return otelhttp.NewHandler(r, "notifyd",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
