package server

import (
	"net/http"
	"time"

	"pixelwatch/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// NewRouter
//
//	POST /events              lifecycle events from the network side
//	GET  /contexts            summaries of every tracked context
//	GET  /contexts/{id}       snapshot (?group=pixel for grouping)
//	GET  /contexts/{id}/badge current badge
//	GET  /ws?context=ID       badge push
//	GET  /metrics             Prometheus exposition
//	GET  /metrics.txt         plain counters
//	GET  /health              liveness
func NewRouter(h *Handler, hub *Hub, m *metrics.Metrics, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe(m, log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())
	r.Get("/metrics.txt", h.HandleMetrics)

	r.Post("/events", h.HandleEvents)

	r.Route("/contexts", func(r chi.Router) {
		r.Get("/", h.HandleContexts)
		r.Get("/{id}", h.HandleContext)
		r.Get("/{id}/badge", h.HandleBadge)
	})

	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		hub.ServeWS(w, req, h.engine.Badge)
	})

	return r
}

// observe records request duration per route and logs at debug.
func observe(m *metrics.Metrics, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unknown"
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.ObserveHTTP(r.Method, route, status, elapsed.Seconds())

			log.Debug().
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Dur("elapsed", elapsed).
				Msg("http request")
		})
	}
}
