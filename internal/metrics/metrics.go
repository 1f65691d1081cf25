package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lexdraft"

var (
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ai_cache_lookups_total", Help: "AI cache lookups by result (hit, miss, expired, error)."},
		[]string{"result"},
	)
	CacheStores = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ai_cache_stores_total", Help: "AI cache writes by result."},
		[]string{"result"},
	)
	Generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "generations_total", Help: "Generation requests by kind and outcome."},
		[]string{"kind", "outcome"},
	)
	PresenceSwept = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "presence_rows_swept_total", Help: "Stale presence rows deleted by sweeps."},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "collab_sessions_active", Help: "Live collaboration sessions held by this process."},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by method and status."},
		[]string{"method", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request latency.", Buckets: prometheus.DefBuckets},
		[]string{"method"},
	)
)

var registerOnce sync.Once

// RegisterCollectors registers every collector once; later calls are no-ops.
func RegisterCollectors(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(CacheLookups)
		reg.MustRegister(CacheStores)
		reg.MustRegister(Generations)
		reg.MustRegister(PresenceSwept)
		reg.MustRegister(ActiveSessions)
		reg.MustRegister(HTTPRequests)
		reg.MustRegister(HTTPDuration)
	})
}
