package arcgis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sternrassler/stlco-gis-client/pkg/client"
)

type queryResponseWire struct {
	Error                 *apiErrorWire     `json:"error"`
	Features              []json.RawMessage `json:"features"`
	ExceededTransferLimit *bool             `json:"exceededTransferLimit"`
	ObjectIDs             []json.Number     `json:"objectIds"`
}

// QueryPage fetches one page of layerID starting at offset. The page size is
// capped by the layer's maxRecordCount, or the service's when the layer has
// none. When the layer rejects spatial filters a geometry query returns an
// empty page without contacting the service.
func (c *Client) QueryPage(ctx context.Context, layerID int, q Query, offset, pageSize int) (*QueryPage, error) {
	info, err := c.LayerInfo(ctx, layerID)
	if err != nil {
		return nil, err
	}
	svc, err := c.ServiceInfo(ctx)
	if err != nil {
		return nil, err
	}

	pageSize = effectivePageSize(pageSize, info, svc)
	page := &QueryPage{LayerID: layerID, Offset: offset, PageSize: pageSize}

	form := url.Values{
		"f":                 {"json"},
		"where":             {q.where()},
		"outFields":         {q.outFields()},
		"returnGeometry":    {boolString(q.ReturnGeometry)},
		"resultOffset":      {strconv.Itoa(offset)},
		"resultRecordCount": {strconv.Itoa(pageSize)},
	}
	if !isFalse(info.SupportsOrderBy) {
		orderBy := q.OrderBy
		if orderBy == "" {
			orderBy = info.ObjectIDField + " ASC"
		}
		form.Set("orderByFields", orderBy)
	}

	skip, err := applyGeometry(form, q, info, svc, true)
	if err != nil {
		return nil, err
	}
	if skip {
		c.logger.Debug().Int("layer_id", layerID).Msg("Layer rejects spatial filters, returning empty page")
		return page, nil
	}

	ctx, span := c.tracer.Start(ctx, "ArcGIS.QueryPage",
		trace.WithAttributes(
			attribute.Int("layer.id", layerID),
			attribute.Int("page.offset", offset),
			attribute.Int("page.size", pageSize),
		),
	)
	defer span.End()

	resp, err := c.postQuery(ctx, layerID, form)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	queriesTotal.WithLabelValues("page").Inc()

	page.Features, err = parseFeatures(c.queryURL(layerID), resp.Features)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	page.ExceededTransferLimit = resp.ExceededTransferLimit
	span.SetAttributes(attribute.Int("page.returned", len(page.Features)))

	c.logger.Debug().
		Int("layer_id", layerID).
		Int("offset", offset).
		Int("page_size", pageSize).
		Int("features", len(page.Features)).
		Msg("Queried page")

	return page, nil
}

// QueryObjectIDs returns the sorted object ids matching q.
func (c *Client) QueryObjectIDs(ctx context.Context, layerID int, q Query) ([]int64, error) {
	info, err := c.LayerInfo(ctx, layerID)
	if err != nil {
		return nil, err
	}
	svc, err := c.ServiceInfo(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"f":              {"json"},
		"where":          {q.where()},
		"returnIdsOnly":  {"true"},
		"returnGeometry": {"false"},
	}
	skip, err := applyGeometry(form, q, info, svc, false)
	if err != nil {
		return nil, err
	}
	if skip {
		return nil, nil
	}

	resp, err := c.postQuery(ctx, layerID, form)
	if err != nil {
		return nil, err
	}
	queriesTotal.WithLabelValues("ids").Inc()

	ids := make([]int64, 0, len(resp.ObjectIDs))
	for _, n := range resp.ObjectIDs {
		if id, err := n.Int64(); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// QueryByObjectIDs fetches the features with the given object ids.
func (c *Client) QueryByObjectIDs(ctx context.Context, layerID int, ids []int64, outFields string, returnGeometry bool) ([]Feature, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if outFields == "" {
		outFields = DefaultOutFields
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	form := url.Values{
		"f":              {"json"},
		"objectIds":      {strings.Join(parts, ",")},
		"outFields":      {outFields},
		"returnGeometry": {boolString(returnGeometry)},
	}

	resp, err := c.postQuery(ctx, layerID, form)
	if err != nil {
		return nil, err
	}
	queriesTotal.WithLabelValues("objects").Inc()
	return parseFeatures(c.queryURL(layerID), resp.Features)
}

func (c *Client) postQuery(ctx context.Context, layerID int, form url.Values) (*queryResponseWire, error) {
	if layerID < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLayer, layerID)
	}
	target := c.queryURL(layerID)

	var resp queryResponseWire
	if err := c.http.PostFormJSON(ctx, target, form, &resp); err != nil {
		return nil, err
	}
	if err := resp.Error.toError(target); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) queryURL(layerID int) string {
	return fmt.Sprintf("%s/%d/query", c.base, layerID)
}

// applyGeometry adds the spatial filter of q to form. It reports skip when
// the layer cannot filter spatially, in which case nothing can match.
func applyGeometry(form url.Values, q Query, info *LayerInfo, svc *ServiceInfo, withOutSR bool) (skip bool, err error) {
	if !q.hasGeometry() {
		return false, nil
	}
	if q.GeometryType == "" {
		return false, ErrGeometryTypeRequired
	}
	if isFalse(info.SupportsSpatialFilter) {
		return true, nil
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, q.Geometry); err != nil {
		return false, fmt.Errorf("invalid geometry: %w", err)
	}
	form.Set("geometry", compact.String())
	form.Set("geometryType", q.GeometryType)
	form.Set("spatialRel", q.spatialRel())

	if wkid := svc.SpatialReferenceWKID; wkid != 0 {
		form.Set("inSR", strconv.Itoa(wkid))
		if withOutSR {
			form.Set("outSR", strconv.Itoa(wkid))
		}
	}
	return false, nil
}

// effectivePageSize caps requested by maxRecordCount, floored at 1.
func effectivePageSize(requested int, info *LayerInfo, svc *ServiceInfo) int {
	if requested <= 0 {
		requested = DefaultPageSize
	}
	maxRC := info.MaxRecordCount
	if maxRC <= 0 {
		maxRC = svc.MaxRecordCount
	}
	if maxRC > 0 {
		requested = min(requested, maxRC)
	}
	return max(1, requested)
}

// parseFeatures decodes a features array. An entry that is not an object
// fails the whole page: dropping it would shift every later offset.
// Non-object attributes become an empty map and non-object geometries are
// dropped. Numbers keep their exact text so long parcel ids survive.
func parseFeatures(target string, raw []json.RawMessage) ([]Feature, error) {
	out := make([]Feature, 0, len(raw))
	for i, r := range raw {
		var w struct {
			Attributes json.RawMessage `json:"attributes"`
			Geometry   json.RawMessage `json:"geometry"`
		}
		if !isObject(r) {
			return nil, malformedFeature(target, i, r, nil)
		}
		if err := json.Unmarshal(r, &w); err != nil {
			return nil, malformedFeature(target, i, r, err)
		}

		f := Feature{Attributes: map[string]any{}}
		if isObject(w.Attributes) {
			dec := json.NewDecoder(bytes.NewReader(w.Attributes))
			dec.UseNumber()
			if err := dec.Decode(&f.Attributes); err != nil {
				f.Attributes = map[string]any{}
			}
		}
		if isObject(w.Geometry) {
			f.Geometry = w.Geometry
		}
		out = append(out, f)
	}
	return out, nil
}

func malformedFeature(target string, index int, raw json.RawMessage, err error) error {
	body := string(bytes.TrimSpace(raw))
	if len(body) > 200 {
		body = body[:200]
	}
	return &client.ServerError{
		URL:        target,
		StatusCode: http.StatusOK,
		ErrorClass: client.ErrorClassMalformed,
		Message:    fmt.Sprintf("feature %d is not an object", index),
		Body:       body,
		Err:        err,
	}
}

func isObject(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '{'
}
