package kvdoc

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, a fresh registry is created
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

func (p *PrometheusMetrics) counter(name, subsystem, metric, help string, labels ...string) {
	p.counters[name] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kvdoc",
			Subsystem: subsystem,
			Name:      metric,
			Help:      help,
		},
		labels,
	)
}

// registerDefaultMetrics registers all standard kvdoc metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	p.counter(MetricKVOps, "kv", "operations_total", "Total number of KV operations", "operation")
	p.counter(MetricKVErrors, "kv", "errors_total", "Total number of failed KV attempts", "operation", "error_type")
	p.counter(MetricKVSilenced, "kv", "silenced_total", "KV errors swallowed by a silence condition", "operation")
	p.counter(MetricRetry, "retry", "attempts_total", "KV attempts retried after a transient failure", "operation")
	p.counter(MetricRetryGiveUp, "retry", "exhausted_total", "KV operations that ran out of attempts", "operation")

	p.counter(MetricReconnect, "connection", "reconnects_total", "Backend sessions established")
	p.counter(MetricReconnectFailed, "connection", "reconnect_failures_total", "Failed attempts to establish a session")
	p.counter(MetricSessionStale, "connection", "stale_total", "Sessions dropped after exceeding the idle time")

	p.counter(MetricIndexAdd, "index", "adds_total", "Index membership additions", "kind")
	p.counter(MetricIndexRemove, "index", "removes_total", "Index membership removals", "kind")
	p.counter(MetricIndexConflict, "index", "conflicts_total", "Unique index conflicts", "schema", "field")
	p.counter(MetricIndexStale, "index", "stale_members_total", "Index members whose entity no longer exists", "schema")

	p.counter(MetricEntityCreate, "entity", "creates_total", "Entities created", "schema")
	p.counter(MetricEntityUpdate, "entity", "updates_total", "Entities updated", "schema")
	p.counter(MetricEntityDelete, "entity", "deletes_total", "Entities deleted", "schema")
	p.counter(MetricEntityFlush, "entity", "flushes_total", "Schema flushes", "schema")
	p.counter(MetricScanBatches, "scan", "batches_total", "Batches delivered by chunked scans", "schema")

	p.histograms[MetricKVLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kvdoc",
			Subsystem: "kv",
			Name:      "operation_duration_seconds",
			Help:      "KV operation duration in seconds, retries included",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		// Create dynamic counter if it doesn't exist
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kvdoc",
				Name:      metricName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(p.extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kvdoc",
				Name:      metricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(p.extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kvdoc",
				Name:      metricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(p.extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// metricName turns a dotted metric name into a valid Prometheus name
func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(strings.TrimPrefix(name, "kvdoc."))
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
