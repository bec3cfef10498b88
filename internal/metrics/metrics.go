// Package metrics publishes Prometheus metrics for the proxy path and the
// cache engine's store traffic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreOp identifies the store-facing operation being instrumented.
type StoreOp string

const (
	// StoreOpGet records engine reads against the store.
	StoreOpGet StoreOp = "get"
	// StoreOpSet records engine writes against the store.
	StoreOpSet StoreOp = "set"
	// StoreOpDel records explicit deletes against the store.
	StoreOpDel StoreOp = "del"
	// StoreOpEvict records store deletes issued by the size-eviction policy.
	StoreOpEvict StoreOp = "evict"
)

// Result captures how a store operation settled.
type Result string

const (
	// ResultOK indicates the operation succeeded.
	ResultOK Result = "ok"
	// ResultMiss indicates a read found no record.
	ResultMiss Result = "miss"
	// ResultStale indicates a read found an entry past its maximum age.
	ResultStale Result = "stale"
	// ResultError indicates the operation failed.
	ResultError Result = "error"
)

// Proxy outcomes for served requests.
const (
	ProxyOutcomeHit     = "hit"
	ProxyOutcomeMiss    = "miss"
	ProxyOutcomeBypass  = "bypass"
	ProxyOutcomeForward = "forward"
	ProxyOutcomeError   = "error"
)

// Recorder publishes Prometheus metrics. All methods are nil-safe so callers
// can skip wiring metrics entirely.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	proxyRequests *prometheus.CounterVec
	proxyLatency  *prometheus.HistogramVec

	storeOps     *prometheus.CounterVec
	indexEntries prometheus.Gauge
	indexBytes   prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	proxyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Requests handled by the proxy coordinator.",
	}, []string{"method", "outcome"})

	proxyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "middleman",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed proxy requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	storeOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "middleman",
		Subsystem: "cache",
		Name:      "store_operations_total",
		Help:      "Store operations issued by the cache engine.",
	}, []string{"operation", "result"})

	indexEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "middleman",
		Subsystem: "cache",
		Name:      "index_entries",
		Help:      "Keys currently tracked by the in-memory index.",
	})

	indexBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "middleman",
		Subsystem: "cache",
		Name:      "index_bytes",
		Help:      "Total byte size of indexed entries.",
	})

	reg.MustRegister(proxyRequests, proxyLatency, storeOps, indexEntries, indexBytes)

	return &Recorder{
		gatherer:      reg,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		proxyRequests: proxyRequests,
		proxyLatency:  proxyLatency,
		storeOps:      storeOps,
		indexEntries:  indexEntries,
		indexBytes:    indexBytes,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveProxy records the outcome and latency of a completed proxy request.
func (r *Recorder) ObserveProxy(method, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.proxyRequests.WithLabelValues(method, outcome).Inc()
	r.proxyLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveStore records a store operation issued by the cache engine.
func (r *Recorder) ObserveStore(op StoreOp, result Result) {
	if r == nil {
		return
	}
	r.storeOps.WithLabelValues(string(op), string(result)).Inc()
}

// SetIndexSize publishes the current index occupancy.
func (r *Recorder) SetIndexSize(entries int, totalBytes int64) {
	if r == nil {
		return
	}
	r.indexEntries.Set(float64(entries))
	r.indexBytes.Set(float64(totalBytes))
}
