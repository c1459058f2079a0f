// Package metrics exposes the Prometheus collectors for lookups, quota
// denials, JSON recoveries and deliveries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upstream names used as the histogram label.
const (
	UpstreamOpenAI   = "openai"
	UpstreamVision   = "vision"
	UpstreamResearch = "research"
	UpstreamSMTP     = "smtp"
	UpstreamSheets   = "sheets"
)

var (
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libria_scans_total",
			Help: "Cover scans by outcome",
		},
		[]string{"outcome"},
	)
	QuotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libria_quota_denials_total",
			Help: "Scans refused because the device quota was exhausted",
		},
		[]string{"tier"},
	)
	JSONRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libria_json_recoveries_total",
			Help: "Model replies that needed the salvage step",
		},
		[]string{"result"},
	)
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libria_deliveries_total",
			Help: "Dossier email deliveries by outcome",
		},
		[]string{"outcome"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "libria_upstream_duration_seconds",
			Help:    "Latency of calls to external services",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"upstream"},
	)
)

func init() {
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(QuotaDenials)
	prometheus.MustRegister(JSONRecoveries)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(UpstreamDuration)
}

// ObserveUpstream records the time since start for an upstream call.
func ObserveUpstream(upstream string, start time.Time) {
	UpstreamDuration.WithLabelValues(upstream).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
