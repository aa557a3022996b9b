package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"codexbridge/internal/handlers"
	"codexbridge/internal/metrics"
	"codexbridge/internal/middleware"
)

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, chatHandler *handlers.ChatHandler, authHandler *handlers.AuthHandler) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())             // panic recovery
	r.Use(middleware.MaxBodySize(512 * 1024)) // 512 KB max body

	// routes
	r.Route("/v1", func(r chi.Router) {
		// No Timeout middleware here: a chat stream runs as long as the
		// upstream does; the llm client enforces its own deadline.
		r.Post("/chat/stream", chatHandler.ChatStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Second))
			r.Post("/auth/start", authHandler.Start)
			r.Get("/auth/status", authHandler.Status)
			r.Post("/auth/logout", authHandler.Logout)
		})
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
