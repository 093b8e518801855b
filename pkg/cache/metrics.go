package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts metadata served from a tier ("memory" or "redis").
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_cache_hits_total",
		Help: "Total number of ArcGIS metadata cache hits by tier",
	}, []string{"tier"})

	// CacheMisses counts lookups that fell through every tier.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcgis_cache_misses_total",
		Help: "Total number of ArcGIS metadata cache misses",
	})

	// CacheEntries is the number of documents held in memory.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arcgis_cache_entries",
		Help: "Metadata documents currently held in the in-memory tier",
	})

	// CacheEvictions counts documents pushed out of memory by newer ones.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcgis_cache_evictions_total",
		Help: "Total number of metadata documents evicted from the in-memory tier",
	})

	// CacheWrittenBytes counts payload bytes written to the shared tier.
	CacheWrittenBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcgis_cache_written_bytes_total",
		Help: "Bytes of ArcGIS metadata written to Redis",
	})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_cache_errors_total",
		Help: "Total number of cache operation errors",
	}, []string{"operation"}) // get, set, delete
)
