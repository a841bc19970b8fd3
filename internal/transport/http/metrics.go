package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/strogmv/notify/internal/pkg/metrics"
)

// MetricsMiddleware records RED metrics labelled by route pattern. Long-lived streams are
// observed once, when they end.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// Route pattern (e.g. /monitoring/connections/{userID}) instead of raw path
			routeCtx := chi.RouteContext(r.Context())
			path := r.URL.Path
			if routeCtx != nil && routeCtx.RoutePattern() != "" {
				path = routeCtx.RoutePattern()
			}

			status := strconv.Itoa(ww.Status())
			m.HTTPDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
			m.HTTPRequests.WithLabelValues(path, r.Method, status).Inc()
		})
	}
}
