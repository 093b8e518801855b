// Package opendata is the high level client for the St. Louis County (MN)
// Open_Data MapServer: layer discovery, paging and parcel and address
// bundles.
package opendata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/stlco-gis-client/pkg/arcgis"
	"github.com/Sternrassler/stlco-gis-client/pkg/cache"
	"github.com/Sternrassler/stlco-gis-client/pkg/client"
	"github.com/Sternrassler/stlco-gis-client/pkg/config"
	"github.com/Sternrassler/stlco-gis-client/pkg/logging"
	"github.com/Sternrassler/stlco-gis-client/pkg/ratelimit"
)

var (
	// ErrLayerNotFound is returned when no layer name contains the token.
	ErrLayerNotFound = errors.New("layer not found")

	// ErrNotFound is returned when a bundle's primary feature does not exist.
	ErrNotFound = errors.New("feature not found")

	// ErrNoParcelField is returned when the parcels layer has no parcel number column.
	ErrNoParcelField = errors.New("parcels layer has no recognized parcel-id field")

	// ErrNoAddressField is returned when the address layer has no address column.
	ErrNoAddressField = errors.New("address layer has no recognized address field")

	// ErrAmbiguousAddress is returned when several address points match and
	// the caller asked not to pick the first.
	ErrAmbiguousAddress = errors.New("multiple address points matched")

	// ErrInvalidLookup is returned when an address lookup names neither an
	// object id nor an address.
	ErrInvalidLookup = errors.New("provide either an object id or a full address")
)

// Layer name tokens used to locate well known layers.
const (
	ParcelsLayerToken       = "parcels"
	AddressPointsLayerToken = "address"
)

// Client is a session against the open data service. Close releases the
// resources New acquired.
type Client struct {
	settings config.Settings
	http     *client.Client
	arc      *arcgis.Client
	redis    *redis.Client
	logger   zerolog.Logger
}

// Option customises New.
type Option func(*options)

type options struct {
	httpClient *http.Client
	redis      *redis.Client
}

// WithHTTPClient makes the session use hc. Close leaves hc open.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithRedis shares rdb for metadata caching and cooldown state instead of
// dialing settings.RedisAddr. Close leaves rdb open.
func WithRedis(rdb *redis.Client) Option {
	return func(o *options) { o.redis = rdb }
}

// New opens a session.
func New(settings config.Settings, opts ...Option) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.NewLogger("opendata")

	rdb := o.redis
	var owned *redis.Client
	if rdb == nil && settings.RedisAddr != "" {
		owned = redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
		rdb = owned
	}

	metadata, err := cache.NewManager(cache.Config{
		Redis: rdb,
		Size:  settings.MetadataCacheSize,
		TTL:   settings.MetadataTTL,
	})
	if err != nil {
		closeRedis(owned)
		return nil, err
	}

	httpCfg := client.Config{
		UserAgent:      settings.UserAgent,
		Timeout:        settings.Timeout,
		MaxRetries:     settings.MaxRetries,
		InitialBackoff: settings.BackoffBase,
		MaxBackoff:     settings.BackoffMax,
		Tracing:        settings.Tracing,
		HTTPClient:     o.httpClient,
		Limiter:        ratelimit.NewTracker(rdb, settings.RequestsPerSecond, logging.NewLogger("ratelimit")),
	}
	hc, err := client.New(httpCfg)
	if err != nil {
		closeRedis(owned)
		return nil, err
	}

	arc, err := arcgis.New(settings.BaseURL, hc, metadata)
	if err != nil {
		hc.Close()
		closeRedis(owned)
		return nil, err
	}

	logger.Debug().
		Str("base_url", settings.BaseURL).
		Bool("redis", rdb != nil).
		Msg("Open data session opened")

	return &Client{
		settings: settings,
		http:     hc,
		arc:      arc,
		redis:    owned,
		logger:   logger,
	}, nil
}

// Close releases idle connections of an owned transport and closes an owned
// Redis connection.
func (c *Client) Close() error {
	err := c.http.Close()
	if c.redis != nil {
		err = errors.Join(err, c.redis.Close())
	}
	return err
}

func closeRedis(rdb *redis.Client) {
	if rdb != nil {
		_ = rdb.Close()
	}
}

// ArcGIS returns the underlying REST client.
func (c *Client) ArcGIS() *arcgis.Client {
	return c.arc
}

// Settings returns the session settings.
func (c *Client) Settings() config.Settings {
	return c.settings
}

// ServiceInfo returns the service root metadata.
func (c *Client) ServiceInfo(ctx context.Context) (*arcgis.ServiceInfo, error) {
	return c.arc.ServiceInfo(ctx)
}

// LayerCatalog returns the metadata of every layer and table keyed by id.
func (c *Client) LayerCatalog(ctx context.Context) (map[int]*arcgis.LayerInfo, error) {
	return c.arc.LayerCatalog(ctx)
}

// FindLayerIDByNameContains returns the id of the first layer or table whose
// name contains token, ignoring case. Layers are searched before tables.
func (c *Client) FindLayerIDByNameContains(ctx context.Context, token string) (int, error) {
	svc, err := c.arc.ServiceInfo(ctx)
	if err != nil {
		return 0, err
	}
	needle := strings.ToLower(token)
	for _, ref := range svc.Refs() {
		if strings.Contains(strings.ToLower(ref.Name), needle) {
			return ref.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: no layer name contains %q", ErrLayerNotFound, token)
}

// PageOptions selects features for FirstPage and IterAll.
type PageOptions struct {
	Where          string
	OutFields      string
	ReturnGeometry bool

	// PageSize 0 means the configured default. It is capped by the
	// configured maximum.
	PageSize int

	// MaxFeatures bounds IterAll. 0 means unbounded.
	MaxFeatures int

	// Geometry restricts every page to features related to an Esri JSON
	// geometry. GeometryType is required with it; SpatialRel defaults to
	// intersects.
	Geometry     json.RawMessage
	GeometryType string
	SpatialRel   string
}

func (c *Client) query(opts PageOptions) arcgis.Query {
	return arcgis.Query{
		Where:          opts.Where,
		OutFields:      opts.OutFields,
		ReturnGeometry: opts.ReturnGeometry,
		PageSize:       c.settings.PageSize(opts.PageSize),
		MaxFeatures:    opts.MaxFeatures,
		Geometry:       opts.Geometry,
		GeometryType:   opts.GeometryType,
		SpatialRel:     opts.SpatialRel,
	}
}

// FirstPage returns the page at offset 0.
func (c *Client) FirstPage(ctx context.Context, layerID int, opts PageOptions) (*arcgis.QueryPage, error) {
	q := c.query(opts)
	return c.arc.QueryPage(ctx, layerID, q, 0, q.PageSize)
}

// IterAll lazily yields every matching feature of a layer.
func (c *Client) IterAll(ctx context.Context, layerID int, opts PageOptions) iter.Seq2[arcgis.Feature, error] {
	return c.arc.IterFeatures(ctx, layerID, c.query(opts))
}

// ListParcelsFirstPage returns the first page of the parcels layer.
func (c *Client) ListParcelsFirstPage(ctx context.Context, pageSize int) (*arcgis.QueryPage, error) {
	lid, err := c.FindLayerIDByNameContains(ctx, ParcelsLayerToken)
	if err != nil {
		return nil, err
	}
	return c.FirstPage(ctx, lid, PageOptions{PageSize: pageSize})
}

// ListAddressPointsFirstPage returns the first page of the address points layer.
func (c *Client) ListAddressPointsFirstPage(ctx context.Context, pageSize int) (*arcgis.QueryPage, error) {
	lid, err := c.FindLayerIDByNameContains(ctx, AddressPointsLayerToken)
	if err != nil {
		return nil, err
	}
	return c.FirstPage(ctx, lid, PageOptions{PageSize: pageSize})
}
