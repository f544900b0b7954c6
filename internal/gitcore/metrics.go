package gitcore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	objectCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gitcellar_object_cache_hits_total",
		Help: "Objects served from the in-process cache instead of loose or pack storage.",
	})

	objectCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gitcellar_object_cache_misses_total",
		Help: "Object lookups that required reading loose or pack storage.",
	})

	objectsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitcellar_objects_resolved_total",
		Help: "Objects resolved by the facade, labeled by Git object kind.",
	}, []string{"kind"})

	deltaChainDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gitcellar_delta_chain_depth",
		Help:    "Number of delta hops resolved before reaching a base object.",
		Buckets: prometheus.LinearBuckets(0, 2, 10),
	})
)

func observeObjectResolved(kind string) {
	objectsResolvedTotal.WithLabelValues(kind).Inc()
}
