// Package metrics wires the gateway's counters, gauges, and histograms into
// github.com/prometheus/client_golang, exposed via promhttp on the
// management API (spec.md component H). It replaces the teacher's
// hand-rolled text-format internal/metrics.Registry with the real
// ecosystem client used elsewhere in the retrieval pack
// (mercator-hq-jupiter's go.mod).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the gateway reports.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	ChannelHealth   *prometheus.GaugeVec
	ChannelAliveKey *prometheus.GaugeVec
}

// NewRegistry builds a fresh, isolated registry (not the global default,
// so tests never collide with each other or with a second instance in the
// same process).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of client requests by channel and outcome.",
		}, []string{"channel", "status"}),
		RetriesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Total number of retry attempts by reason.",
		}, []string{"reason"}),
		UpstreamLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_latency_seconds",
			Help:    "Upstream response latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		ChannelHealth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_channel_healthy",
			Help: "1 if the channel's rolling health is healthy, else 0.",
		}, []string{"channel"}),
		ChannelAliveKey: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_channel_alive_keys",
			Help: "Count of alive credentials in the channel's pool.",
		}, []string{"channel"}),
	}
	return r
}

// Handler returns the promhttp handler serving this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveHealth sets the health and alive-key gauges for one channel.
func (r *Registry) ObserveHealth(channelName string, healthy bool, aliveKeys int) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.ChannelHealth.WithLabelValues(channelName).Set(v)
	r.ChannelAliveKey.WithLabelValues(channelName).Set(float64(aliveKeys))
}
