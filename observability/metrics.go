package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink is the counters/latency seam described in spec.md §2 and §6.
// No-op by default; every public operation calls it unconditionally, so the
// no-op implementation must be allocation-free on the hot path.
type MetricsSink interface {
	Hit(methodID string)
	Miss(methodID string)
	Error(methodID string, reason string)
	Latency(methodID string, ms float64)
}

// noopMetricsSink implements MetricsSink as a pure no-op.
type noopMetricsSink struct{}

// NewNoopMetricsSink returns a MetricsSink that records nothing.
func NewNoopMetricsSink() MetricsSink { return noopMetricsSink{} }

func (noopMetricsSink) Hit(string)            {}
func (noopMetricsSink) Miss(string)           {}
func (noopMetricsSink) Error(string, string)  {}
func (noopMetricsSink) Latency(string, float64) {}

// PrometheusMetricsSink records cache activity as Prometheus vectors. It is
// the production implementation; register it once per process via
// NewPrometheusMetricsSink and pass the result to every component that takes
// a MetricsSink.
type PrometheusMetricsSink struct {
	hits     *prometheus.CounterVec
	misses   *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewPrometheusMetricsSink creates and registers the cache metric vectors
// against reg. Pass prometheus.DefaultRegisterer for the global registry.
func NewPrometheusMetricsSink(reg prometheus.Registerer) (*PrometheusMetricsSink, error) {
	s := &PrometheusMetricsSink{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "methodcache",
			Name:      "hits_total",
			Help:      "Number of cache hits per method id.",
		}, []string{"method_id"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "methodcache",
			Name:      "misses_total",
			Help:      "Number of cache misses per method id.",
		}, []string{"method_id"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "methodcache",
			Name:      "errors_total",
			Help:      "Number of cache errors per method id and reason.",
		}, []string{"method_id", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "methodcache",
			Name:      "operation_latency_ms",
			Help:      "Latency of get-or-create operations in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
		}, []string{"method_id"}),
	}

	for _, c := range []prometheus.Collector{s.hits, s.misses, s.errors, s.latency} {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are
				continue
			}
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusMetricsSink) Hit(methodID string)  { s.hits.WithLabelValues(methodID).Inc() }
func (s *PrometheusMetricsSink) Miss(methodID string) { s.misses.WithLabelValues(methodID).Inc() }
func (s *PrometheusMetricsSink) Error(methodID, reason string) {
	s.errors.WithLabelValues(methodID, reason).Inc()
}
func (s *PrometheusMetricsSink) Latency(methodID string, ms float64) {
	s.latency.WithLabelValues(methodID).Observe(ms)
}

// TimeOperation is a small helper mirroring the teacher's
// "startTime := time.Now(); ... time.Since(startTime)" idiom seen throughout
// MultiLevelCache.Set/Get. Call the returned func when the operation
// completes.
func TimeOperation(sink MetricsSink, methodID string) func() {
	start := time.Now()
	return func() {
		sink.Latency(methodID, float64(time.Since(start).Microseconds())/1000.0)
	}
}
