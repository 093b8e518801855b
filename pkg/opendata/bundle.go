package opendata

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/stlco-gis-client/pkg/arcgis"
	"github.com/Sternrassler/stlco-gis-client/pkg/pagination"
)

// MatchMethod says how a layer's features were linked to a bundle's primary
// feature.
type MatchMethod string

const (
	MatchPrimary   MatchMethod = "primary"
	MatchAttribute MatchMethod = "attribute"
	MatchSpatial   MatchMethod = "spatial"
)

// LayerMatch holds the features of one layer linked to a bundle.
type LayerMatch struct {
	LayerID   int               `json:"layer_id"`
	LayerName string            `json:"layer_name"`
	Method    MatchMethod       `json:"match_method"`
	Features  []arcgis.Feature  `json:"features"`
	Layer     *arcgis.LayerInfo `json:"layer_info"`
}

// ParcelBundle is everything the service knows about one parcel.
type ParcelBundle struct {
	ParcelKey      string                    `json:"parcel_key"`
	PrimaryLayerID int                       `json:"primary_layer_id"`
	PrimaryFeature arcgis.Feature            `json:"primary_feature"`
	Service        *arcgis.ServiceInfo       `json:"service_info"`
	Catalog        map[int]*arcgis.LayerInfo `json:"layer_catalog"`
	Matches        []LayerMatch              `json:"matches"`
	AddressPoints  []arcgis.Feature          `json:"address_points"`
}

// AddressBundle is everything the service knows about one address point.
type AddressBundle struct {
	AddressKey     string                    `json:"address_key"`
	PrimaryLayerID int                       `json:"primary_layer_id"`
	PrimaryFeature arcgis.Feature            `json:"primary_feature"`
	Service        *arcgis.ServiceInfo       `json:"service_info"`
	Catalog        map[int]*arcgis.LayerInfo `json:"layer_catalog"`
	Matches        []LayerMatch              `json:"matches"`
	LinkedParcel   *ParcelBundle             `json:"linked_parcel,omitempty"`
}

// BundleOptions controls how layers are matched.
type BundleOptions struct {
	IncludeAttributeJoins    bool
	IncludeSpatialIntersects bool

	// MaxFeaturesPerLayer bounds each layer's matches. 0 means unbounded.
	MaxFeaturesPerLayer int

	ReturnGeometries bool

	// Concurrency bounds parallel layer queries. 0 means the configured value.
	Concurrency int
}

// DefaultBundleOptions enables both matching methods.
func DefaultBundleOptions() BundleOptions {
	return BundleOptions{
		IncludeAttributeJoins:    true,
		IncludeSpatialIntersects: true,
	}
}

// AddressLookup identifies an address point by object id or by full address.
type AddressLookup struct {
	ObjectID    *int64
	FullAddress string
}

// AddressOptions controls AddressBundle.
type AddressOptions struct {
	BundleOptions

	// SelectFirstIfMultiple picks the first of several matching address
	// points instead of failing with ErrAmbiguousAddress.
	SelectFirstIfMultiple bool

	// FetchLinkedParcel also builds the bundle of the address's parcel.
	FetchLinkedParcel bool
}

// DefaultAddressOptions picks the first match and fetches the linked parcel.
func DefaultAddressOptions() AddressOptions {
	return AddressOptions{
		BundleOptions:         DefaultBundleOptions(),
		SelectFirstIfMultiple: true,
		FetchLinkedParcel:     true,
	}
}

// matcher evaluates every catalog layer against one primary feature.
type matcher struct {
	primaryLayer int
	primary      arcgis.Feature
	parcelNumber string
	geometryType string
	opts         BundleOptions
	defaultPage  int
	concurrency  int
	arc          *arcgis.Client
}

// run matches all layers with bounded concurrency. Results keep layer id order.
func (m *matcher) run(ctx context.Context, catalog map[int]*arcgis.LayerInfo) ([]LayerMatch, error) {
	ids := arcgis.SortedLayerIDs(catalog)
	results := make([]*LayerMatch, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, m.concurrency))
	for i, lid := range ids {
		info := catalog[lid]
		if lid == m.primaryLayer {
			results[i] = &LayerMatch{
				LayerID:   lid,
				LayerName: info.Name,
				Method:    MatchPrimary,
				Features:  []arcgis.Feature{m.primary},
				Layer:     info,
			}
			continue
		}
		g.Go(func() error {
			match, err := m.matchLayer(gctx, info)
			if err != nil {
				return fmt.Errorf("match layer %d (%s): %w", lid, info.Name, err)
			}
			results[i] = match
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	matches := make([]LayerMatch, 0, len(results))
	for _, r := range results {
		if r != nil {
			matches = append(matches, *r)
		}
	}
	return matches, nil
}

// matchLayer tries an attribute join on the parcel number, then a spatial
// intersect with the primary geometry.
func (m *matcher) matchLayer(ctx context.Context, info *arcgis.LayerInfo) (*LayerMatch, error) {
	if m.opts.IncludeAttributeJoins && m.parcelNumber != "" {
		if field, ok := PickFirstExistingField(info.Fields, ParcelIDFieldCandidates); ok {
			feats, err := m.collect(ctx, info.ID, arcgis.Query{Where: equalsClause(field, m.parcelNumber)})
			if err != nil {
				return nil, err
			}
			if len(feats) > 0 {
				return m.match(info, MatchAttribute, feats), nil
			}
		}
	}

	if m.opts.IncludeSpatialIntersects && m.primary.HasGeometry() && info.Spatial() {
		feats, err := m.collect(ctx, info.ID, arcgis.Query{
			Geometry:     m.primary.Geometry,
			GeometryType: m.geometryType,
		})
		if err != nil {
			return nil, err
		}
		if len(feats) > 0 {
			return m.match(info, MatchSpatial, feats), nil
		}
	}

	return nil, nil
}

func (m *matcher) collect(ctx context.Context, layerID int, q arcgis.Query) ([]arcgis.Feature, error) {
	q.OutFields = arcgis.DefaultOutFields
	q.ReturnGeometry = m.opts.ReturnGeometries
	q.PageSize = m.defaultPage
	q.MaxFeatures = m.opts.MaxFeaturesPerLayer
	return pagination.Collect(m.arc.IterFeatures(ctx, layerID, q))
}

func (m *matcher) match(info *arcgis.LayerInfo, method MatchMethod, feats []arcgis.Feature) *LayerMatch {
	return &LayerMatch{
		LayerID:   info.ID,
		LayerName: info.Name,
		Method:    method,
		Features:  feats,
		Layer:     info,
	}
}

func (c *Client) concurrency(opts BundleOptions) int {
	if opts.Concurrency > 0 {
		return opts.Concurrency
	}
	return c.settings.BundleConcurrency
}

// ParcelBundle gathers the parcel with the given number, its address points
// and every feature of other layers linked to it by parcel number or by
// intersecting the parcel polygon.
func (c *Client) ParcelBundle(ctx context.Context, parcelNumber string, opts BundleOptions) (*ParcelBundle, error) {
	svc, err := c.arc.ServiceInfo(ctx)
	if err != nil {
		return nil, err
	}
	catalog, err := c.arc.LayerCatalog(ctx)
	if err != nil {
		return nil, err
	}

	parcelsID, err := c.FindLayerIDByNameContains(ctx, ParcelsLayerToken)
	if err != nil {
		return nil, err
	}
	parcels, ok := catalog[parcelsID]
	if !ok {
		return nil, fmt.Errorf("%w: parcels layer %d missing from catalog", ErrLayerNotFound, parcelsID)
	}

	idField, ok := PickFirstExistingField(parcels.Fields, ParcelIDFieldCandidates)
	if !ok {
		idField, ok = PickFirstExistingField(parcels.Fields, CountyParcelIDFieldCandidates)
	}
	if !ok {
		return nil, fmt.Errorf("%w; available fields: %s", ErrNoParcelField, strings.Join(parcels.Fields, ", "))
	}

	pn := strings.TrimSpace(parcelNumber)
	page, err := c.arc.QueryPage(ctx, parcelsID, arcgis.Query{
		Where:          equalsClause(idField, pn),
		ReturnGeometry: true,
	}, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(page.Features) == 0 {
		return nil, fmt.Errorf("%w: no parcel for %s='%s'", ErrNotFound, idField, pn)
	}
	primary := page.Features[0]
	if !primary.HasGeometry() {
		opts.IncludeSpatialIntersects = false
	}

	m := &matcher{
		primaryLayer: parcelsID,
		primary:      primary,
		parcelNumber: pn,
		geometryType: arcgis.GeometryPolygon,
		opts:         opts,
		defaultPage:  c.settings.DefaultPageSize,
		concurrency:  c.concurrency(opts),
		arc:          c.arc,
	}

	addressPoints, err := c.parcelAddressPoints(ctx, catalog, m)
	if err != nil {
		return nil, err
	}

	matches, err := m.run(ctx, catalog)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("parcel", pn).
		Int("layers_matched", len(matches)).
		Int("address_points", len(addressPoints)).
		Msg("Built parcel bundle")

	return &ParcelBundle{
		ParcelKey:      pn,
		PrimaryLayerID: parcelsID,
		PrimaryFeature: primary,
		Service:        svc,
		Catalog:        catalog,
		Matches:        matches,
		AddressPoints:  addressPoints,
	}, nil
}

// parcelAddressPoints finds the address points of a parcel, preferring the
// address layer's own parcel number column over a spatial match.
func (c *Client) parcelAddressPoints(ctx context.Context, catalog map[int]*arcgis.LayerInfo, m *matcher) ([]arcgis.Feature, error) {
	addrID, err := c.FindLayerIDByNameContains(ctx, AddressPointsLayerToken)
	if err != nil {
		return nil, err
	}
	addr, ok := catalog[addrID]
	if !ok {
		return nil, fmt.Errorf("%w: address layer %d missing from catalog", ErrLayerNotFound, addrID)
	}

	q := arcgis.Query{
		OutFields:   arcgis.DefaultOutFields,
		PageSize:    c.settings.DefaultPageSize,
		MaxFeatures: m.opts.MaxFeaturesPerLayer,
	}
	if field, ok := PickFirstExistingField(addr.Fields, ParcelIDFieldCandidates); ok {
		q.Where = equalsClause(field, m.parcelNumber)
	} else if m.opts.IncludeSpatialIntersects && m.primary.HasGeometry() && addr.GeometryType != "" {
		q.Geometry = m.primary.Geometry
		q.GeometryType = arcgis.GeometryPolygon
	} else {
		return nil, nil
	}

	return pagination.Collect(c.arc.IterFeatures(ctx, addrID, q))
}

// AddressBundle gathers an address point and every feature of other layers
// linked to it by its parcel number or by intersecting its point. When the
// address carries a parcel number the parcel's own bundle is attached; a
// failure there is logged and leaves LinkedParcel nil.
func (c *Client) AddressBundle(ctx context.Context, lookup AddressLookup, opts AddressOptions) (*AddressBundle, error) {
	svc, err := c.arc.ServiceInfo(ctx)
	if err != nil {
		return nil, err
	}
	catalog, err := c.arc.LayerCatalog(ctx)
	if err != nil {
		return nil, err
	}

	addrID, err := c.FindLayerIDByNameContains(ctx, AddressPointsLayerToken)
	if err != nil {
		return nil, err
	}
	addr, ok := catalog[addrID]
	if !ok {
		return nil, fmt.Errorf("%w: address layer %d missing from catalog", ErrLayerNotFound, addrID)
	}

	primary, key, err := c.resolveAddress(ctx, addr, lookup, opts.SelectFirstIfMultiple)
	if err != nil {
		return nil, err
	}

	bopts := opts.BundleOptions
	if !primary.HasGeometry() {
		bopts.IncludeSpatialIntersects = false
	}

	var parcelNumber string
	if field, ok := PickFirstExistingField(addr.Fields, ParcelIDFieldCandidates); ok {
		parcelNumber, _ = primary.Text(field)
	}

	m := &matcher{
		primaryLayer: addrID,
		primary:      primary,
		parcelNumber: parcelNumber,
		geometryType: arcgis.GeometryPoint,
		opts:         bopts,
		defaultPage:  c.settings.DefaultPageSize,
		concurrency:  c.concurrency(bopts),
		arc:          c.arc,
	}
	matches, err := m.run(ctx, catalog)
	if err != nil {
		return nil, err
	}

	bundle := &AddressBundle{
		AddressKey:     key,
		PrimaryLayerID: addrID,
		PrimaryFeature: primary,
		Service:        svc,
		Catalog:        catalog,
		Matches:        matches,
	}

	if opts.FetchLinkedParcel && parcelNumber != "" {
		popts := opts.BundleOptions
		popts.IncludeAttributeJoins = true
		popts.IncludeSpatialIntersects = true
		linked, err := c.ParcelBundle(ctx, parcelNumber, popts)
		if err != nil {
			c.logger.Warn().Err(err).Str("parcel", parcelNumber).Msg("Linked parcel bundle failed")
		} else {
			bundle.LinkedParcel = linked
		}
	}

	c.logger.Info().
		Str("address", key).
		Int("layers_matched", len(matches)).
		Bool("linked_parcel", bundle.LinkedParcel != nil).
		Msg("Built address bundle")

	return bundle, nil
}

// resolveAddress finds the primary address point and its bundle key.
func (c *Client) resolveAddress(ctx context.Context, addr *arcgis.LayerInfo, lookup AddressLookup, selectFirst bool) (arcgis.Feature, string, error) {
	if lookup.ObjectID != nil {
		oid := *lookup.ObjectID
		key := addr.ObjectIDField + "=" + strconv.FormatInt(oid, 10)
		page, err := c.arc.QueryPage(ctx, addr.ID, arcgis.Query{Where: key, ReturnGeometry: true}, 0, 1)
		if err != nil {
			return arcgis.Feature{}, "", err
		}
		if len(page.Features) == 0 {
			return arcgis.Feature{}, "", fmt.Errorf("%w: no address point for %s", ErrNotFound, key)
		}
		return page.Features[0], key, nil
	}

	full := strings.TrimSpace(lookup.FullAddress)
	if full == "" {
		return arcgis.Feature{}, "", ErrInvalidLookup
	}
	field, ok := PickFirstExistingField(addr.Fields, AddressFieldCandidates)
	if !ok {
		return arcgis.Feature{}, "", ErrNoAddressField
	}

	page, err := c.arc.QueryPage(ctx, addr.ID, arcgis.Query{Where: equalsClause(field, full), ReturnGeometry: true}, 0, 10)
	if err != nil {
		return arcgis.Feature{}, "", err
	}
	candidates := page.Features
	if len(candidates) == 0 {
		page, err = c.arc.QueryPage(ctx, addr.ID, arcgis.Query{Where: likeClause(field, full), ReturnGeometry: true}, 0, 25)
		if err != nil {
			return arcgis.Feature{}, "", err
		}
		candidates = page.Features
	}

	if len(candidates) == 0 {
		return arcgis.Feature{}, "", fmt.Errorf("%w: no address points matched '%s'", ErrNotFound, full)
	}
	if len(candidates) > 1 && !selectFirst {
		return arcgis.Feature{}, "", fmt.Errorf("%w: '%s' (count=%d), use an object id", ErrAmbiguousAddress, full, len(candidates))
	}
	return candidates[0], field + "~'" + full + "'", nil
}
