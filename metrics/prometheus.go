package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PrometheusRecorder struct {
	counters     *prometheus.CounterVec
	histogram    *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	gatherer     prometheus.Gatherer
}

// NewPrometheusRecorder registers the ivxp collectors with reg. A nil reg
// uses a fresh private registry.
func NewPrometheusRecorder(reg *prometheus.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ivxp",
			Name:      "events_total",
			Help:      "ivxp protocol event counters",
		},
		[]string{"type", LabelOutcome, LabelService},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ivxp",
			Name:      "latency_seconds",
			Help:      "ivxp operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", LabelOutcome},
	)

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ivxp",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ivxp",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	reg.MustRegister(counters, histogram, httpRequests, httpDuration)

	return &PrometheusRecorder{
		counters:     counters,
		histogram:    histogram,
		httpRequests: httpRequests,
		httpDuration: httpDuration,
		gatherer:     reg,
	}
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"type":       name,
		LabelOutcome: labels[LabelOutcome],
		LabelService: labels[LabelService],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation":  name,
		LabelOutcome: labels[LabelOutcome],
	}).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveHTTP(method, route string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
