// Package httpapi exposes the orchestrator over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lamim/storyforge/internal/metrics"
)

// NewRouter wires the book and artifact routes
func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		requestLogger(app.Logger),
	)

	r.Get("/healthz", app.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/books", func(r chi.Router) {
		r.Post("/", app.SubmitBook)
		r.Get("/", app.ListBooks)
		r.Get("/{key}", app.BookStatus)
		r.Post("/{key}/cancel", app.CancelBook)
	})
	r.Get("/v1/artifacts/{ref}", app.DownloadArtifact)

	return r
}

// requestLogger logs one line per request with slog
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			} else if r.URL.Path != "/healthz" && r.URL.Path != "/metrics" {
				level = slog.LevelInfo
			}
			logger.Log(r.Context(), level, "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
				"remote", r.RemoteAddr)
		})
	}
}
