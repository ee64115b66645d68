// Package admin wires HTTP handlers into a ServeMux via routing helpers.
package admin

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with the health check,
// the diagnostics feed and page, and the metrics exposition for gatherer.
func SetupRoutes(h *Handlers, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Health)
	mux.HandleFunc("/ws", h.Diagnostics)
	mux.HandleFunc("/diagnostics", h.DiagnosticsPage)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
