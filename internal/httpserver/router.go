package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"chatdispatch/internal/handlers"
	"chatdispatch/internal/metrics"
	"chatdispatch/internal/middleware"
)

// Options tunes the request limits.
type Options struct {
	Timeout     time.Duration
	MaxBodySize int64
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, chatHandler *handlers.ChatHandler, opts Options) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 512 * 1024
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.Timeout))
		r.Use(middleware.MaxBodySize(opts.MaxBodySize))

		r.Post("/chat/completions", chatHandler.ChatCompletion)
		r.Post("/chat/simple", chatHandler.Simple)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
