// Package cache caches ArcGIS service and layer metadata.
//
// Metadata (the MapServer root document and each layer's description) is read
// on almost every operation but changes rarely, so the manager keeps it in two
// tiers:
//
//   - an in-process LRU (hashicorp/golang-lru) that is always present
//   - an optional Redis tier shared between processes
//
// Query results are never cached; every page request goes to the service.
//
// # Basic Usage
//
//	manager, err := cache.NewManager(cache.Config{
//		Redis: redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//		Size:  256,
//		TTL:   time.Hour,
//	})
//
//	key := cache.CacheKey{
//		Service:     "https://gis.example.gov/server/rest/services/Open_Data/MapServer",
//		Endpoint:    "/12",
//		QueryParams: url.Values{"f": []string{"pjson"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the service, then
//		_ = manager.Set(ctx, key, body)
//	}
//
// # Metrics
//
//   - arcgis_cache_hits_total{tier="memory"|"redis"}
//   - arcgis_cache_misses_total
//   - arcgis_cache_entries
//   - arcgis_cache_evictions_total
//   - arcgis_cache_written_bytes_total
//   - arcgis_cache_errors_total{operation}
package cache
