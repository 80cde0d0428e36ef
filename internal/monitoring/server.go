package monitoring

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paveg/gorillabind/internal/version"
)

// Server provides HTTP endpoints for monitoring the bridge.
type Server struct {
	collector *MetricsCollector
	router    *mux.Router
	server    *http.Server
}

// NewMonitoringServer creates a new monitoring server. gatherer backs the
// prometheus /metrics endpoint; collector backs /stats.
func NewMonitoringServer(collector *MetricsCollector, gatherer prometheus.Gatherer, port int) *Server {
	router := mux.NewRouter()

	server := &Server{
		collector: collector,
		router:    router,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second, //nolint:mnd // Standard timeout value
		},
	}

	router.Use(serverHeader)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/stats", server.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)

	return server
}

// Handler exposes the router, mainly for tests.
func (ms *Server) Handler() http.Handler {
	return ms.router
}

// Start starts the monitoring server.
func (ms *Server) Start() error {
	return ms.server.ListenAndServe()
}

// Stop stops the monitoring server.
func (ms *Server) Stop() error {
	return ms.server.Close()
}

// handleStats serves the collector summary.
func (ms *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Without an active collector of its own the server reports the
	// process-wide one.
	summary := GetGlobalSummary()
	if ms.collector != nil && ms.collector.IsEnabled() {
		summary = ms.collector.GetSummary()
	}
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		http.Error(w, "Failed to encode stats", http.StatusInternalServerError)
		return
	}
}

// handleHealth serves the health check endpoint.
func (ms *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"enabled":   ms.collector != nil && ms.collector.IsEnabled(),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode health status", http.StatusInternalServerError)
		return
	}
}

func serverHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.UserAgent())
		next.ServeHTTP(w, r)
	})
}
