package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/pwurbs/pylon2mqtt/pylon"
)

// newMetricsMux serves the registered collectors on /metrics and a liveness
// probe on /health.
func newMetricsMux(reg prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// startMetricsServer is a no-op when addr is empty.
func startMetricsServer(addr string) {
	if addr == "" {
		return
	}
	if err := pylon.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Errorf("Failed to register metrics: %v", err)
		return
	}

	mux := newMetricsMux(prometheus.DefaultGatherer)
	go func() {
		log.Infof("Metrics server listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("Metrics server stopped: %v", err)
		}
	}()
}
