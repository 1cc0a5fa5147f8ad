package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lalithlochan/kabar/internal/metrics"
	"github.com/lalithlochan/kabar/internal/redis"
)

// RouterConfig holds the optional pieces of the HTTP surface.
type RouterConfig struct {
	Limiter        *redis.RateLimiter
	Webhook        http.Handler
	RequestTimeout time.Duration
}

// Router builds the chi router for the gateway.
func Router(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(h.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.Use(RateLimitMiddleware(cfg.Limiter, h.logger, IPKeyFunc))

		r.Get("/connection", h.ConnectionStatus)
		r.Get("/connection/qr", h.ConnectionQR)
		r.Post("/connection/restart", h.RestartConnection)
		r.Post("/connection/logout", h.LogoutConnection)

		r.Post("/messages", h.SendMessage)

		r.Post("/notifications", h.CreateNotification)
		r.Post("/notifications/dispatch", h.DispatchNotifications)
		r.Post("/notifications/{id}/requeue", h.RequeueNotification)
		r.Get("/notifications/stats", h.NotificationStats)

		r.Post("/broadcast/admins", h.BroadcastAdmins)
		r.Post("/breakers/{name}/reset", h.ResetBreaker)
	})

	if cfg.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/transport", cfg.Webhook)
	}

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
