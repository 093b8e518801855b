// Package testutil provides an in-process ArcGIS MapServer for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ServicePath is the path the mock MapServer is mounted at.
const ServicePath = "/arcgis/rest/services/Open_Data/MapServer"

// TransferLimitMode controls how the mock reports exceededTransferLimit.
type TransferLimitMode int

const (
	// TransferLimitAlways sends the flag on every page, true or false.
	TransferLimitAlways TransferLimitMode = iota

	// TransferLimitWhenTrue sends the flag only when more records exist.
	TransferLimitWhenTrue

	// TransferLimitNever omits the flag.
	TransferLimitNever
)

// MockFeature is one stored record.
type MockFeature struct {
	Attributes map[string]any
	Geometry   json.RawMessage

	// Spatial marks the feature as intersecting any geometry filter.
	Spatial bool
}

// MockLayer is one layer or table of the mock service.
type MockLayer struct {
	ID            int
	Name          string
	Type          string
	GeometryType  string
	ObjectIDField string
	Fields        []string

	MaxRecordCount        int
	SupportsPagination    *bool
	SupportsOrderBy       *bool
	SupportsSpatialFilter *bool

	// ServerCap silently truncates pages below the requested count.
	ServerCap int

	TransferLimit TransferLimitMode
	Features      []MockFeature
}

// MockArcGIS is a configurable MapServer emulation.
type MockArcGIS struct {
	server *httptest.Server
	mu     sync.RWMutex

	layers         map[int]*MockLayer
	wkid           int
	maxRecordCount int
	handlers       map[string]http.HandlerFunc

	failOn     map[int]int // query request number -> status
	queryCount int

	// Tracking
	RequestCount int
	PathCounts   map[string]int
	Queries      []QueryRecord
	LastHeader   http.Header
}

// QueryRecord is one received query request.
type QueryRecord struct {
	LayerID int
	Form    url.Values
}

// NewMockArcGIS starts a mock service with the given layers.
func NewMockArcGIS(layers ...*MockLayer) *MockArcGIS {
	m := &MockArcGIS{
		layers:     make(map[int]*MockLayer),
		wkid:       26915,
		handlers:   make(map[string]http.HandlerFunc),
		failOn:     make(map[int]int),
		PathCounts: make(map[string]int),
	}
	for _, l := range layers {
		m.AddLayer(l)
	}

	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the MapServer base URL.
func (m *MockArcGIS) URL() string {
	return m.server.URL + ServicePath
}

// Close shuts down the mock server.
func (m *MockArcGIS) Close() {
	m.server.Close()
}

// AddLayer adds or replaces a layer.
func (m *MockArcGIS) AddLayer(l *MockLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ObjectIDField == "" {
		l.ObjectIDField = "OBJECTID"
	}
	m.layers[l.ID] = l
}

// SetServiceLimits sets the service spatial reference and maxRecordCount.
func (m *MockArcGIS) SetServiceLimits(wkid, maxRecordCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wkid = wkid
	m.maxRecordCount = maxRecordCount
}

// SetHandler overrides the handler for a path below the service root, e.g.
// "/3/query" or "" for the root.
func (m *MockArcGIS) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[ServicePath+path] = handler
}

// FailQuery makes the n-th query request (1-based, counted across layers)
// answer with status. A 200 status sends an ArcGIS error payload instead.
func (m *MockArcGIS) FailQuery(n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[n] = status
}

// Reset clears all tracking counters and injected failures.
func (m *MockArcGIS) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.queryCount = 0
	m.failOn = make(map[int]int)
	m.PathCounts = make(map[string]int)
	m.Queries = nil
	m.LastHeader = nil
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockArcGIS) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// PathCount returns how often a path below the service root was requested.
func (m *MockArcGIS) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[ServicePath+path]
}

// QueriesFor returns the query requests received for a layer.
func (m *MockArcGIS) QueriesFor(layerID int) []url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []url.Values
	for _, q := range m.Queries {
		if q.LayerID == layerID {
			out = append(out, q.Form)
		}
	}
	return out
}

// Offsets returns the resultOffset of every paged query for a layer.
func (m *MockArcGIS) Offsets(layerID int) []int {
	var out []int
	for _, form := range m.QueriesFor(layerID) {
		if v := form.Get("resultOffset"); v != "" {
			n, _ := strconv.Atoi(v)
			out = append(out, n)
		}
	}
	return out
}

func (m *MockArcGIS) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.PathCounts[r.URL.Path]++
	m.LastHeader = r.Header.Clone()
	handler, custom := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if custom {
		handler(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, ServicePath) {
		http.NotFound(w, r)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, ServicePath), "/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "":
		m.serveRoot(w)
	case len(parts) == 1:
		m.serveLayer(w, parts[0])
	case len(parts) == 2 && parts[1] == "query":
		m.serveQuery(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func (m *MockArcGIS) serveRoot(w http.ResponseWriter) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var layers, tables []map[string]any
	for _, id := range m.sortedIDs() {
		l := m.layers[id]
		ref := map[string]any{"id": l.ID, "name": l.Name}
		if l.Type == "Table" {
			tables = append(tables, ref)
		} else {
			layers = append(layers, ref)
		}
	}

	doc := map[string]any{
		"currentVersion":   10.91,
		"spatialReference": map[string]any{"wkid": m.wkid, "latestWkid": m.wkid},
		"layers":           layers,
		"tables":           tables,
	}
	if m.maxRecordCount > 0 {
		doc["maxRecordCount"] = m.maxRecordCount
	}
	writeJSON(w, doc)
}

func (m *MockArcGIS) serveLayer(w http.ResponseWriter, idText string) {
	l, ok := m.layer(idText)
	if !ok {
		writeArcGISError(w, 400, "Invalid or missing input parameters.")
		return
	}

	fields := make([]map[string]any, len(l.Fields))
	for i, f := range l.Fields {
		fields[i] = map[string]any{"name": f, "type": "esriFieldTypeString"}
	}

	doc := map[string]any{
		"id":            l.ID,
		"name":          l.Name,
		"type":          "Feature Layer",
		"objectIdField": l.ObjectIDField,
		"fields":        fields,
	}
	if l.Type != "" {
		doc["type"] = l.Type
	}
	if l.GeometryType != "" {
		doc["geometryType"] = l.GeometryType
	}
	if l.MaxRecordCount > 0 {
		doc["maxRecordCount"] = l.MaxRecordCount
	}
	if l.SupportsSpatialFilter != nil {
		doc["supportsSpatialFilter"] = *l.SupportsSpatialFilter
	}
	aqc := map[string]any{}
	if l.SupportsPagination != nil {
		aqc["supportsPagination"] = *l.SupportsPagination
	}
	if l.SupportsOrderBy != nil {
		aqc["supportsOrderBy"] = *l.SupportsOrderBy
	}
	if len(aqc) > 0 {
		doc["advancedQueryCapabilities"] = aqc
	}
	writeJSON(w, doc)
}

func (m *MockArcGIS) serveQuery(w http.ResponseWriter, r *http.Request, idText string) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l, ok := m.layer(idText)
	if !ok {
		writeArcGISError(w, 400, "Invalid or missing input parameters.")
		return
	}

	m.mu.Lock()
	m.queryCount++
	m.Queries = append(m.Queries, QueryRecord{LayerID: l.ID, Form: cloneValues(r.Form)})
	status, fail := m.failOn[m.queryCount]
	m.mu.Unlock()

	if fail {
		if status == http.StatusOK {
			writeArcGISError(w, 500, "Unable to complete operation.")
			return
		}
		w.WriteHeader(status)
		fmt.Fprintf(w, "injected failure %d", status)
		return
	}

	matched, err := l.filter(r.Form)
	if err != nil {
		writeArcGISError(w, 400, err.Error())
		return
	}

	if r.Form.Get("returnIdsOnly") == "true" {
		ids := make([]int64, 0, len(matched))
		for _, f := range matched {
			ids = append(ids, l.objectID(f))
		}
		writeJSON(w, map[string]any{"objectIdFieldName": l.ObjectIDField, "objectIds": ids})
		return
	}

	total := len(matched)
	offset, _ := strconv.Atoi(r.Form.Get("resultOffset"))
	count := total
	if v := r.Form.Get("resultRecordCount"); v != "" {
		count, _ = strconv.Atoi(v)
	}
	if l.ServerCap > 0 && count > l.ServerCap {
		count = l.ServerCap
	}

	start := min(offset, total)
	end := min(start+count, total)
	page := matched[start:end]
	withGeometry := r.Form.Get("returnGeometry") == "true"

	features := make([]map[string]any, 0, len(page))
	for _, f := range page {
		feat := map[string]any{"attributes": f.Attributes}
		if withGeometry && len(f.Geometry) > 0 {
			feat["geometry"] = f.Geometry
		}
		features = append(features, feat)
	}

	doc := map[string]any{
		"objectIdFieldName": l.ObjectIDField,
		"features":          features,
	}
	more := end < total
	switch l.TransferLimit {
	case TransferLimitAlways:
		doc["exceededTransferLimit"] = more
	case TransferLimitWhenTrue:
		if more {
			doc["exceededTransferLimit"] = true
		}
	}
	writeJSON(w, doc)
}

func (m *MockArcGIS) layer(idText string) (*MockLayer, bool) {
	id, err := strconv.Atoi(idText)
	if err != nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.layers[id]
	return l, ok
}

func (m *MockArcGIS) sortedIDs() []int {
	ids := make([]int, 0, len(m.layers))
	for id := range m.layers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (l *MockLayer) objectID(f MockFeature) int64 {
	switch v := f.Attributes[l.ObjectIDField].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// filter applies objectIds, where and geometry parameters.
func (l *MockLayer) filter(form url.Values) ([]MockFeature, error) {
	pred, err := parseWhere(form.Get("where"))
	if err != nil {
		return nil, err
	}

	var wantIDs map[int64]bool
	if v := form.Get("objectIds"); v != "" {
		wantIDs = make(map[int64]bool)
		for _, s := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid objectIds")
			}
			wantIDs[id] = true
		}
	}
	spatial := form.Get("geometry") != ""

	var out []MockFeature
	for _, f := range l.Features {
		if wantIDs != nil && !wantIDs[l.objectID(f)] {
			continue
		}
		if spatial && !f.Spatial {
			continue
		}
		if !pred(f.Attributes) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

var (
	whereString = regexp.MustCompile(`^(\w+)\s*=\s*'((?:[^']|'')*)'$`)
	whereNumber = regexp.MustCompile(`^(\w+)\s*=\s*(-?\d+)$`)
	whereLike   = regexp.MustCompile(`^(\w+)\s+LIKE\s+'((?:[^']|'')*)'$`)
)

// parseWhere understands the clauses this client sends: 1=1, FIELD = 'text',
// FIELD = number and FIELD LIKE '%text%'. Field names match case-insensitively.
func parseWhere(where string) (func(map[string]any) bool, error) {
	where = strings.TrimSpace(where)
	if where == "" || where == "1=1" {
		return func(map[string]any) bool { return true }, nil
	}
	if m := whereString.FindStringSubmatch(where); m != nil {
		want := strings.ReplaceAll(m[2], "''", "'")
		return func(attrs map[string]any) bool {
			v, ok := lookup(attrs, m[1])
			return ok && fmt.Sprint(v) == want
		}, nil
	}
	if m := whereNumber.FindStringSubmatch(where); m != nil {
		return func(attrs map[string]any) bool {
			v, ok := lookup(attrs, m[1])
			return ok && fmt.Sprint(v) == m[2]
		}, nil
	}
	if m := whereLike.FindStringSubmatch(where); m != nil {
		pattern := strings.ReplaceAll(m[2], "''", "'")
		needle := strings.Trim(pattern, "%")
		return func(attrs map[string]any) bool {
			v, ok := lookup(attrs, m[1])
			return ok && strings.Contains(fmt.Sprint(v), needle)
		}, nil
	}
	return nil, fmt.Errorf("unable to parse where clause %q", where)
}

func lookup(attrs map[string]any, field string) (any, bool) {
	for k, v := range attrs {
		if strings.EqualFold(k, field) && v != nil {
			return v, true
		}
	}
	return nil, false
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func writeArcGISError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": []string{},
		},
	})
}

// Bool returns a pointer to b.
func Bool(b bool) *bool {
	return &b
}

// NumberedFeatures builds n features with OBJECTID 1..n and NAME "feature-<id>".
func NumberedFeatures(n int) []MockFeature {
	out := make([]MockFeature, n)
	for i := range out {
		id := i + 1
		out[i] = MockFeature{Attributes: map[string]any{
			"OBJECTID": id,
			"NAME":     fmt.Sprintf("feature-%d", id),
		}}
	}
	return out
}
