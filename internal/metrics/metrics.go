// Package metrics exposes the process's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Selections counts key selections served per vendor.
	Selections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keywarden_key_selections_total",
		Help: "Key selections served, per vendor.",
	}, []string{"vendor"})

	// SelectionFailures counts pool-exhaustion failures per vendor.
	SelectionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keywarden_key_selection_failures_total",
		Help: "Selections that failed because no key was available, per vendor.",
	}, []string{"vendor"})

	// RateLimited counts confirmed upstream rate-limit signals per vendor.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keywarden_key_rate_limited_total",
		Help: "Confirmed upstream rate-limit lockouts opened, per vendor.",
	}, []string{"vendor"})

	// Probes counts completed key probes per vendor and outcome class.
	Probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keywarden_key_probes_total",
		Help: "Completed key liveness probes, per vendor and outcome.",
	}, []string{"vendor", "outcome"})
)

func init() {
	prometheus.MustRegister(Selections, SelectionFailures, RateLimited, Probes)
}

// RegisterPoolGauges exposes a vendor pool's available and disabled key
// counts as gauges sampled at scrape time.
func RegisterPoolGauges(vendor string, available, disabled func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "keywarden_keys_available",
		Help:        "Non-disabled keys in the pool.",
		ConstLabels: prometheus.Labels{"vendor": vendor},
	}, func() float64 {
		return float64(available())
	}))
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "keywarden_keys_disabled",
		Help:        "Terminally retired keys in the pool.",
		ConstLabels: prometheus.Labels{"vendor": vendor},
	}, func() float64 {
		return float64(disabled())
	}))
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
