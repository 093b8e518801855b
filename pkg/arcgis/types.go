// Package arcgis reads service metadata from an ArcGIS REST MapServer and
// queries its layers, page by page or by object id.
package arcgis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// DefaultWhere selects every feature.
	DefaultWhere = "1=1"

	// DefaultOutFields returns every attribute.
	DefaultOutFields = "*"

	// DefaultObjectIDField is assumed when a layer does not name one.
	DefaultObjectIDField = "OBJECTID"

	// DefaultPageSize is used when a query does not set one.
	DefaultPageSize = 200

	// SpatialRelIntersects is the default spatial relationship.
	SpatialRelIntersects = "esriSpatialRelIntersects"

	GeometryPoint    = "esriGeometryPoint"
	GeometryPolygon  = "esriGeometryPolygon"
	GeometryPolyline = "esriGeometryPolyline"
	GeometryEnvelope = "esriGeometryEnvelope"
)

// Feature is one record of a layer: its attribute table row and, when
// requested, its Esri JSON geometry.
type Feature struct {
	Attributes map[string]any  `json:"attributes"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
}

// HasGeometry reports whether the feature carries a geometry object.
func (f Feature) HasGeometry() bool {
	g := bytes.TrimSpace(f.Geometry)
	return len(g) > 2 && g[0] == '{'
}

// Text returns an attribute as trimmed text. Missing, null and blank values
// report false.
func (f Feature) Text(field string) (string, bool) {
	v, ok := f.Attributes[field]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	return s, s != ""
}

// LayerRef is a layer or table entry of the service root.
type LayerRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ServiceInfo describes a MapServer.
type ServiceInfo struct {
	BaseURL string `json:"base_url"`

	// SpatialReferenceWKID is 0 when the service does not publish one.
	SpatialReferenceWKID int `json:"spatial_reference_wkid,omitempty"`

	// MaxRecordCount is 0 when the service does not publish one.
	MaxRecordCount int `json:"max_record_count,omitempty"`

	SupportsSpatialFilter *bool `json:"supports_spatial_filter,omitempty"`

	Layers []LayerRef `json:"layers"`
	Tables []LayerRef `json:"tables"`
}

// Refs returns layers followed by tables.
func (s *ServiceInfo) Refs() []LayerRef {
	out := make([]LayerRef, 0, len(s.Layers)+len(s.Tables))
	out = append(out, s.Layers...)
	return append(out, s.Tables...)
}

// LayerInfo describes one layer or table.
type LayerInfo struct {
	ID            int      `json:"id"`
	Name          string   `json:"name"`
	Type          string   `json:"type,omitempty"`
	GeometryType  string   `json:"geometry_type,omitempty"`
	ObjectIDField string   `json:"object_id_field"`
	Fields        []string `json:"fields"`

	// MaxRecordCount is 0 when the layer does not publish one.
	MaxRecordCount int `json:"max_record_count,omitempty"`

	// Capabilities are nil when the server does not say.
	SupportsPagination    *bool `json:"supports_pagination,omitempty"`
	SupportsOrderBy       *bool `json:"supports_order_by,omitempty"`
	SupportsSpatialFilter *bool `json:"supports_spatial_filter,omitempty"`
}

// Spatial reports whether the layer has geometry that a spatial filter can
// match against.
func (l *LayerInfo) Spatial() bool {
	return l.GeometryType != "" && !isFalse(l.SupportsSpatialFilter)
}

// QueryPage is one page of a layer query.
type QueryPage struct {
	LayerID  int       `json:"layer_id"`
	Offset   int       `json:"offset"`
	PageSize int       `json:"page_size"`
	Features []Feature `json:"features"`

	// ExceededTransferLimit is nil when the response did not carry the flag.
	ExceededTransferLimit *bool `json:"exceeded_transfer_limit,omitempty"`
}

// NextOffset returns the offset of the following page when this page came
// back full.
func (p *QueryPage) NextOffset() (int, bool) {
	if p.PageSize > 0 && len(p.Features) == p.PageSize {
		return p.Offset + p.PageSize, true
	}
	return 0, false
}

// Query selects features of a layer. Zero values mean the defaults.
type Query struct {
	Where          string
	OutFields      string
	ReturnGeometry bool

	// OrderBy defaults to "<objectIdField> ASC" when the layer supports it.
	OrderBy string

	// Geometry is an Esri JSON geometry. GeometryType is required with it.
	Geometry     json.RawMessage
	GeometryType string
	SpatialRel   string

	// PageSize and MaxFeatures apply to iteration.
	PageSize    int
	MaxFeatures int
}

func (q Query) where() string {
	if strings.TrimSpace(q.Where) == "" {
		return DefaultWhere
	}
	return q.Where
}

func (q Query) outFields() string {
	if q.OutFields == "" {
		return DefaultOutFields
	}
	return q.OutFields
}

func (q Query) spatialRel() string {
	if q.SpatialRel == "" {
		return SpatialRelIntersects
	}
	return q.SpatialRel
}

func (q Query) hasGeometry() bool {
	g := bytes.TrimSpace(q.Geometry)
	return len(g) > 0 && !bytes.Equal(g, []byte("null"))
}

func isFalse(b *bool) bool {
	return b != nil && !*b
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
