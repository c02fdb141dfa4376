// Package metrics exposes the API's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics owns its registry so that every engine built in tests starts from zero.
type Metrics struct {
	registry *prometheus.Registry

	Uploads         *prometheus.CounterVec
	Snapshots       *prometheus.CounterVec
	Inference       *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Mirrored        *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geoanchor_uploads_total",
			Help: "Image uploads by result.",
		}, []string{"result"}),
		Snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geoanchor_snapshots_total",
			Help: "Coordinate snapshots saved by result.",
		}, []string{"result"}),
		Inference: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geoanchor_inference_requests_total",
			Help: "Calls to the inference service by operation and result.",
		}, []string{"operation", "result"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geoanchor_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		Mirrored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geoanchor_mirror_objects_total",
			Help: "Objects handled by the mirror worker by kind and result.",
		}, []string{"kind", "result"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Result maps an operation outcome onto the result label. Client mistakes are
// counted as rejections, everything else as errors.
func Result(err error, rejected bool) string {
	switch {
	case err == nil:
		return ResultOK
	case rejected:
		return ResultRejected
	default:
		return ResultError
	}
}
