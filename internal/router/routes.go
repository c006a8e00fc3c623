package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/tinoosan/folio/api/v1"
	"github.com/tinoosan/folio/internal/auth"
	"github.com/tinoosan/folio/internal/service"
)

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(context.Context) error
}

const readyTimeout = 2 * time.Second

// New sets up the application routes and required middleware.
func New(logger *slog.Logger, svc service.Jobs, token string, checks ...Check) *mux.Router {
	r := mux.NewRouter()
	r.Use(v1.RequestID)
	r.Use(v1.Log(logger))
	r.Use(auth.Middleware(token))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		for _, c := range checks {
			if err := c.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", "check", c.Name, "err", err)
				http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	h := v1.NewHandler(logger, svc)
	api := r.PathPrefix("/v1").Subrouter()

	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/jobs", h.ListJobs)
	get.HandleFunc("/jobs/{id}", h.GetJob)
	get.HandleFunc("/candidates", h.FindCandidates)
	get.HandleFunc("/metadata/search", h.SearchMetadata)

	post := api.Methods("POST").Subrouter()
	post.HandleFunc("/downloads", h.AddDownload)
	post.HandleFunc("/jobs/{id}/cancel", h.CancelJob)

	return r
}
