// Package metrics holds the relay's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the relay's collectors on a private registry, so tests
// can build isolated instances without default-registry collisions.
type Metrics struct {
	registry *prometheus.Registry

	Requests         *prometheus.CounterVec
	UpstreamAttempts *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
	EmptyResponses   prometheus.Counter
	FallbackHops     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudrelay_requests_total",
			Help: "Client requests by model and outcome.",
		}, []string{"model", "outcome"}),
		UpstreamAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudrelay_upstream_attempts_total",
			Help: "Upstream calls by endpoint and result.",
		}, []string{"endpoint", "status"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudrelay_rate_limited_total",
			Help: "Rate-limit responses by model.",
		}, []string{"model"}),
		EmptyResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloudrelay_empty_responses_total",
			Help: "Upstream responses that carried no output.",
		}),
		FallbackHops: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloudrelay_fallback_hops_total",
			Help: "Requests re-dispatched on the cross-family fallback model.",
		}),
	}
}

// ObservePool exports the current pool size as a live gauge.
func (m *Metrics) ObservePool(size func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cloudrelay_accounts",
		Help: "Accounts currently loaded in the pool.",
	}, func() float64 { return float64(size()) }))
}

// Attempt records one upstream call. Transport failures pass status 0 and
// land in the "network" bucket.
func (m *Metrics) Attempt(endpoint string, status int) {
	label := "network"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.UpstreamAttempts.WithLabelValues(endpoint, label).Inc()
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
