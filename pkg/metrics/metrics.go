package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memvault"

// Metrics holds the collectors of the engine. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	embedBatches *prometheus.CounterVec
	embedRetries prometheus.Counter
	embedLatency prometheus.Histogram
	embedTexts   prometheus.Counter
	cacheLookups *prometheus.CounterVec
	storeOps     *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	storeRetries *prometheus.CounterVec
}

// New creates collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		embedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "batches_total",
			Help:      "Embedding provider batch calls by outcome.",
		}, []string{"outcome"}),
		embedRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "retries_total",
			Help:      "Retried embedding provider batch calls.",
		}),
		embedLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "batch_duration_seconds",
			Help:      "Latency of a single embedding provider call.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		embedTexts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "texts_total",
			Help:      "Texts sent to the embedding provider.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "cache_lookups_total",
			Help:      "Embedding cache lookups by result.",
		}, []string{"result"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"op"}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Retried idempotent store operations.",
		}, []string{"op"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.embedBatches, m.embedRetries, m.embedLatency, m.embedTexts,
			m.cacheLookups, m.storeOps, m.storeLatency, m.storeRetries,
		)
	}
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) EmbedBatch(texts int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.embedBatches.WithLabelValues(outcome(err)).Inc()
	m.embedLatency.Observe(elapsed.Seconds())
	m.embedTexts.Add(float64(texts))
}

func (m *Metrics) EmbedRetry() {
	if m == nil {
		return
	}
	m.embedRetries.Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) StoreOp(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(op, outcome(err)).Inc()
	m.storeLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) StoreRetry(op string) {
	if m == nil {
		return
	}
	m.storeRetries.WithLabelValues(op).Inc()
}

// Handler serves the collectors of g in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
