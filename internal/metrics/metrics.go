// Package metrics exposes prometheus counters for the pipeline's hot
// paths. Collectors are registered on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayCalls counts logical relay calls by terminal outcome
	// (ok, rate_limited, transient, fatal, cancelled).
	RelayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepwiki_relay_calls_total",
		Help: "Relay calls by terminal outcome.",
	}, []string{"outcome"})

	// RelayRetries counts transient retry attempts inside the relay.
	RelayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepwiki_relay_retries_total",
		Help: "Transient retries performed by the relay.",
	})

	// CacheHits counts wiki cache reads served without regeneration.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepwiki_cache_hits_total",
		Help: "Wiki cache hits.",
	})

	// CacheMisses counts wiki cache reads that triggered generation.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepwiki_cache_misses_total",
		Help: "Wiki cache misses.",
	})

	// Chapters counts chapter generation outcomes (completed, failed).
	Chapters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepwiki_chapters_total",
		Help: "Chapter generation outcomes.",
	}, []string{"status"})
)
