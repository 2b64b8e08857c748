package snapdiff

import "github.com/prometheus/client_golang/prometheus"

var ObjectRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snapdiff",
	Subsystem: "engine",
	Name:      "object_requests",
}, []string{"path"})

var InFlightOps = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "snapdiff",
	Subsystem: "engine",
	Name:      "inflight_ops",
})

var RecordsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "snapdiff",
	Subsystem: "engine",
	Name:      "records_delivered",
})

var FastDiffFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "snapdiff",
	Subsystem: "engine",
	Name:      "fast_diff_fallbacks",
})

// Collectors returns the engine collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ObjectRequests, InFlightOps, RecordsDelivered, FastDiffFallbacks,
	}
}
