package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/MRamiBalles/devjails/internal/network"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
)

// NewRouter builds the HTTP surface.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Get("/metrics", metrics.Handler())
	r.Get("/metrics/prometheus", metrics.PrometheusHandler())
	if h.hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			network.ServeWS(h.hub, w, r)
		})
	}

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Post("/reload", h.Reload)
		r.Post("/sweep", h.Sweep)

		r.Route("/jails", func(r chi.Router) {
			r.Get("/", h.ListJails)
			r.Get("/{name}", h.GetJail)
			r.Put("/{name}", h.PutJail)
			r.Delete("/{name}", h.DeleteJail)
			r.Post("/{name}/link", h.LinkJail)
			r.Post("/{name}/unlink", h.UnlinkJail)
		})

		r.Route("/areas", func(r chi.Router) {
			r.Get("/", h.ListAreas)
			r.Put("/{name}", h.PutArea)
			r.Delete("/{name}", h.DeleteArea)
		})

		r.Route("/prisoners", func(r chi.Router) {
			r.Get("/", h.ListPrisoners)
			r.Get("/{id}", h.GetPrisoner)
			r.Post("/{id}", h.Admit)
			r.Delete("/{id}", h.Release)
			r.Post("/{id}/extend", h.Extend)
			r.Put("/{id}/bail", h.SetBail)
			r.Post("/{id}/bail/pay", h.PayBail)
			r.Put("/{id}/restraint", h.SetRestraint)
			r.Put("/{id}/release-spawn", h.SetReleaseSpawn)
		})

		r.Route("/subjects/{id}", func(r chi.Router) {
			r.Post("/online", h.Online)
			r.Post("/offline", h.Offline)
			r.Post("/move", h.Move)
			r.Post("/check", h.Check)
		})

		if h.effects != nil {
			r.Get("/effects", h.Effects)
		}

		if h.economy != nil {
			r.Route("/accounts/{id}", func(r chi.Router) {
				r.Get("/", h.Balance)
				r.Post("/deposit", h.Deposit)
				r.Post("/withdraw", h.Withdraw)
			})
		}
	})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start).String(),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}
