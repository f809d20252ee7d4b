package buildcache

import (
	"errors"
	"net/http"
	"time"

	"github.com/hupe1980/buildcache/blobstore"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports request metrics to Prometheus.
type PrometheusCollector struct {
	opLatency *prometheus.HistogramVec
	bytes     *prometheus.CounterVec
	rejected  *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector and registers it with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusCollector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildcache_operation_latency_seconds",
			Help:    "Latency of storage operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildcache_bytes_total",
			Help: "Total blob bytes served and stored",
		}, []string{"op"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildcache_rejected_requests_total",
			Help: "Requests answered without touching storage",
		}, []string{"method"}),
	}

	for _, c := range []prometheus.Collector{p.opLatency, p.bytes, p.rejected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// RecordRead implements MetricsCollector.
func (p *PrometheusCollector) RecordRead(d time.Duration, size int64, err error) {
	status := "hit"
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		status = "miss"
	case err != nil:
		status = "error"
	default:
		p.bytes.WithLabelValues("read").Add(float64(size))
	}
	p.opLatency.WithLabelValues("read", status).Observe(d.Seconds())
}

// RecordWrite implements MetricsCollector.
func (p *PrometheusCollector) RecordWrite(d time.Duration, size int64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		p.bytes.WithLabelValues("write").Add(float64(size))
	}
	p.opLatency.WithLabelValues("write", status).Observe(d.Seconds())
}

// RecordRejected implements MetricsCollector.
func (p *PrometheusCollector) RecordRejected(method string) {
	p.rejected.WithLabelValues(methodLabel(method)).Inc()
}

// methodLabel bounds label cardinality; methods are client-controlled.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodPost, http.MethodHead,
		http.MethodDelete, http.MethodPatch, http.MethodOptions:
		return method
	default:
		return "other"
	}
}
