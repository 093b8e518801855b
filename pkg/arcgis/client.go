package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/stlco-gis-client/pkg/cache"
	"github.com/Sternrassler/stlco-gis-client/pkg/client"
	"github.com/Sternrassler/stlco-gis-client/pkg/logging"
)

// Prometheus metrics for the REST layer.
var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_queries_total",
		Help: "Total layer queries by kind (page, ids, objects)",
	}, []string{"kind"})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_api_errors_total",
		Help: "Error payloads returned by the service, by ArcGIS error code",
	}, []string{"code"})
)

// catalogConcurrency bounds parallel layer metadata requests.
const catalogConcurrency = 4

// Client talks to one MapServer. It is safe for concurrent use.
type Client struct {
	base     string
	http     *client.Client
	metadata *cache.Manager
	group    singleflight.Group
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// New creates a client for the MapServer at baseURL. A nil metadata cache
// gets an in-memory one.
func New(baseURL string, httpClient *client.Client, metadata *cache.Manager) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}

	if metadata == nil {
		metadata, err = cache.NewManager(cache.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		metadata: metadata,
		logger:   logging.NewLogger("arcgis"),
		tracer:   otel.Tracer("stlco-gis/arcgis"),
	}, nil
}

// BaseURL returns the MapServer URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.base
}

type serviceInfoWire struct {
	Error            *apiErrorWire `json:"error"`
	SpatialReference *struct {
		WKID       *int `json:"wkid"`
		LatestWKID *int `json:"latestWkid"`
	} `json:"spatialReference"`
	MaxRecordCount        *int       `json:"maxRecordCount"`
	SupportsSpatialFilter *bool      `json:"supportsSpatialFilter"`
	Layers                []LayerRef `json:"layers"`
	Tables                []LayerRef `json:"tables"`
}

// ServiceInfo returns the service root metadata.
func (c *Client) ServiceInfo(ctx context.Context) (*ServiceInfo, error) {
	raw, err := c.fetchMetadata(ctx, "")
	if err != nil {
		return nil, err
	}

	var w serviceInfoWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, c.malformed(c.base, raw, err)
	}
	if err := w.Error.toError(c.base); err != nil {
		return nil, err
	}

	info := &ServiceInfo{
		BaseURL:               c.base,
		SupportsSpatialFilter: w.SupportsSpatialFilter,
		Layers:                w.Layers,
		Tables:                w.Tables,
	}
	if sr := w.SpatialReference; sr != nil {
		switch {
		case sr.LatestWKID != nil:
			info.SpatialReferenceWKID = *sr.LatestWKID
		case sr.WKID != nil:
			info.SpatialReferenceWKID = *sr.WKID
		}
	}
	if w.MaxRecordCount != nil {
		info.MaxRecordCount = *w.MaxRecordCount
	}
	return info, nil
}

// ListLayerIDs returns the sorted, distinct ids of every layer and table.
func (c *Client) ListLayerIDs(ctx context.Context) ([]int, error) {
	svc, err := c.ServiceInfo(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]struct{})
	var ids []int
	for _, ref := range svc.Refs() {
		if _, ok := seen[ref.ID]; ok {
			continue
		}
		seen[ref.ID] = struct{}{}
		ids = append(ids, ref.ID)
	}
	sort.Ints(ids)
	return ids, nil
}

type layerInfoWire struct {
	Error         *apiErrorWire `json:"error"`
	ID            *int          `json:"id"`
	Name          *string       `json:"name"`
	Type          *string       `json:"type"`
	GeometryType  *string       `json:"geometryType"`
	ObjectIDField string        `json:"objectIdField"`
	Fields        []struct {
		Name string `json:"name"`
	} `json:"fields"`
	MaxRecordCount            *int  `json:"maxRecordCount"`
	SupportsSpatialFilter     *bool `json:"supportsSpatialFilter"`
	AdvancedQueryCapabilities *struct {
		SupportsPagination *bool `json:"supportsPagination"`
		SupportsOrderBy    *bool `json:"supportsOrderBy"`
	} `json:"advancedQueryCapabilities"`
}

// LayerInfo returns the metadata of one layer or table.
func (c *Client) LayerInfo(ctx context.Context, layerID int) (*LayerInfo, error) {
	if layerID < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLayer, layerID)
	}

	svc, err := c.ServiceInfo(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := strconv.Itoa(layerID)
	raw, err := c.fetchMetadata(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	target := c.base + "/" + endpoint
	var w layerInfoWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, c.malformed(target, raw, err)
	}
	if err := w.Error.toError(target); err != nil {
		return nil, err
	}

	info := &LayerInfo{
		ID:                    layerID,
		Name:                  fmt.Sprintf("layer_%d", layerID),
		ObjectIDField:         w.ObjectIDField,
		SupportsSpatialFilter: w.SupportsSpatialFilter,
	}
	if w.ID != nil {
		info.ID = *w.ID
	}
	if w.Name != nil {
		info.Name = *w.Name
	}
	if w.Type != nil {
		info.Type = *w.Type
	}
	if w.GeometryType != nil {
		info.GeometryType = *w.GeometryType
	}
	if info.ObjectIDField == "" {
		info.ObjectIDField = DefaultObjectIDField
	}
	for _, f := range w.Fields {
		if f.Name != "" {
			info.Fields = append(info.Fields, f.Name)
		}
	}
	if w.MaxRecordCount != nil {
		info.MaxRecordCount = *w.MaxRecordCount
	}
	if aqc := w.AdvancedQueryCapabilities; aqc != nil {
		info.SupportsPagination = aqc.SupportsPagination
		info.SupportsOrderBy = aqc.SupportsOrderBy
	}
	if info.SupportsSpatialFilter == nil {
		info.SupportsSpatialFilter = svc.SupportsSpatialFilter
	}

	return info, nil
}

// LayerCatalog returns the metadata of every layer and table keyed by id.
func (c *Client) LayerCatalog(ctx context.Context) (map[int]*LayerInfo, error) {
	ids, err := c.ListLayerIDs(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	catalog := make(map[int]*LayerInfo, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			info, err := c.LayerInfo(gctx, id)
			if err != nil {
				return fmt.Errorf("layer %d: %w", id, err)
			}
			mu.Lock()
			catalog[id] = info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.logger.Debug().Int("layers", len(catalog)).Msg("Built layer catalog")
	return catalog, nil
}

// SortedLayerIDs returns the keys of a catalog in ascending order.
func SortedLayerIDs(catalog map[int]*LayerInfo) []int {
	ids := make([]int, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// fetchMetadata returns the pjson document at endpoint, relative to the
// service root, from the metadata cache or the service. Error payloads are
// never cached.
func (c *Client) fetchMetadata(ctx context.Context, endpoint string) ([]byte, error) {
	params := url.Values{"f": {"pjson"}}
	key := cache.CacheKey{Service: c.base, Endpoint: endpoint, QueryParams: params}

	if entry, err := c.metadata.Get(ctx, key); err == nil {
		c.logger.Debug().Str("endpoint", endpoint).Msg("Metadata cache hit")
		return entry.Data, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Metadata cache read failed")
	}

	target := c.base
	if endpoint != "" {
		target += "/" + endpoint
	}

	// The shared fetch outlives any single caller; each waiter still
	// returns as soon as its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		raw, err := c.http.GetRaw(shared, target, params)
		if err != nil {
			return nil, err
		}
		if hasErrorPayload(raw) {
			return raw, nil
		}
		if err := c.metadata.Set(shared, key, raw); err != nil {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Metadata cache write failed")
		}
		return raw, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func hasErrorPayload(raw []byte) bool {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Error) > 0 && string(probe.Error) != "null"
}

func (c *Client) malformed(target string, raw []byte, err error) error {
	body := string(raw)
	if len(body) > 200 {
		body = body[:200]
	}
	return &client.ServerError{
		URL:        target,
		StatusCode: 200,
		ErrorClass: client.ErrorClassMalformed,
		Message:    "unexpected metadata shape",
		Body:       body,
		Err:        err,
	}
}
