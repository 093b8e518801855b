package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies a cached metadata document.
type CacheKey struct {
	// Service is the MapServer base URL; several services may share one Redis.
	Service string

	// Endpoint is the path relative to Service (e.g. "/" or "/12")
	Endpoint string

	// QueryParams are the query parameters (e.g. {"f": "pjson"})
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: arcgis:service:endpoint:query1=val1:query2=val2
//
// Example:
//
//	arcgis:gis.example.gov/server/rest/services/Open_Data/MapServer:12:f=pjson
func (k CacheKey) String() string {
	parts := []string{"arcgis"}

	if service := normalizeService(k.Service); service != "" {
		parts = append(parts, service)
	}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.QueryParams.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}

func normalizeService(service string) string {
	service = strings.TrimPrefix(service, "https://")
	service = strings.TrimPrefix(service, "http://")
	return strings.Trim(service, "/")
}
