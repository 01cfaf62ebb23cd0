package revocation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbon",
		Subsystem: "revocation",
		Name:      "checks_total",
		Help:      "Certificate revocation checks by source and result",
	}, []string{"source", "result"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "carbon",
		Subsystem: "revocation",
		Name:      "ocsp_cache_hits_total",
		Help:      "OCSP responses served from cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "carbon",
		Subsystem: "revocation",
		Name:      "ocsp_cache_misses_total",
		Help:      "OCSP cache lookups that required a live query",
	})
)
