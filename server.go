package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/metrics"
	"github.com/percona/migrate-mongo/migrate"
)

// Constants for server configuration.
const (
	ServerReadTimeout       = 30 * time.Second
	ServerReadHeaderTimeout = 3 * time.Second
	ServerResponseTimeout   = 5 * time.Second
)

// StatusProvider reports the progress of a migration.
type StatusProvider interface {
	Status() migrate.Status
}

func newServer(port int, m StatusProvider) *http.Server {
	registry := prometheus.NewRegistry()
	metrics.Init(registry)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: newRouter(m, registry),

		ReadTimeout:       ServerReadTimeout,
		ReadHeaderTimeout: ServerReadHeaderTimeout,
	}
}

func newRouter(m StatusProvider, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(ServerResponseTimeout))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				log.New("http").Trace(r.Method + " " + r.URL.String())
			} else {
				log.New("http").Debug(r.Method + " " + r.URL.String())
			}

			next.ServeHTTP(w, r)
		})
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeResponse(w, m.Status())
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func writeResponse[T any](w http.ResponseWriter, resp T) {
	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		log.New("http").Error(err, "Write response")
	}
}
