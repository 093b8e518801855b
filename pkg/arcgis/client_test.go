package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/stlco-gis-client/internal/testutil"
	"github.com/Sternrassler/stlco-gis-client/pkg/client"
)

func newTestClient(t *testing.T, mock *testutil.MockArcGIS) *Client {
	t.Helper()

	cfg := client.DefaultConfig("stlco-gis-test/1.0")
	cfg.MaxRetries = 0
	cfg.Timeout = 5 * time.Second
	hc, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { hc.Close() })

	c, err := New(mock.URL(), hc, nil)
	require.NoError(t, err)
	return c
}

func parcelsLayer(n int) *testutil.MockLayer {
	return &testutil.MockLayer{
		ID:            3,
		Name:          "Parcels",
		GeometryType:  GeometryPolygon,
		Fields:        []string{"OBJECTID", "NAME"},
		TransferLimit: testutil.TransferLimitAlways,
		Features:      testutil.NumberedFeatures(n),
	}
}

func TestNew_Validation(t *testing.T) {
	hc, err := client.New(client.DefaultConfig("x"))
	require.NoError(t, err)

	_, err = New("http://example.test/MapServer", nil, nil)
	require.Error(t, err)

	_, err = New("not a url", hc, nil)
	require.Error(t, err)

	c, err := New("http://example.test/MapServer/", hc, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://example.test/MapServer", c.BaseURL())
}

func TestServiceInfo_ParsesAndCaches(t *testing.T) {
	mock := testutil.NewMockArcGIS(
		parcelsLayer(1),
		&testutil.MockLayer{ID: 0, Name: "Address Points"},
		&testutil.MockLayer{ID: 7, Name: "Owners", Type: "Table"},
	)
	defer mock.Close()
	mock.SetServiceLimits(26915, 1000)

	c := newTestClient(t, mock)
	ctx := context.Background()

	svc, err := c.ServiceInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 26915, svc.SpatialReferenceWKID)
	assert.Equal(t, 1000, svc.MaxRecordCount)
	assert.Equal(t, []LayerRef{{ID: 0, Name: "Address Points"}, {ID: 3, Name: "Parcels"}}, svc.Layers)
	assert.Equal(t, []LayerRef{{ID: 7, Name: "Owners"}}, svc.Tables)

	_, err = c.ServiceInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.PathCount(""), "root metadata should be served from cache")

	ids, err := c.ListLayerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 7}, ids)
}

func TestLayerInfo(t *testing.T) {
	layer := parcelsLayer(1)
	layer.Fields = []string{"OBJECTID", "PRCL_NBR", "OWNER"}
	layer.MaxRecordCount = 500
	layer.SupportsPagination = testutil.Bool(true)
	layer.SupportsOrderBy = testutil.Bool(false)
	mock := testutil.NewMockArcGIS(layer)
	defer mock.Close()

	c := newTestClient(t, mock)
	info, err := c.LayerInfo(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, 3, info.ID)
	assert.Equal(t, "Parcels", info.Name)
	assert.Equal(t, GeometryPolygon, info.GeometryType)
	assert.Equal(t, "OBJECTID", info.ObjectIDField)
	assert.Equal(t, []string{"OBJECTID", "PRCL_NBR", "OWNER"}, info.Fields)
	assert.Equal(t, 500, info.MaxRecordCount)
	require.NotNil(t, info.SupportsPagination)
	assert.True(t, *info.SupportsPagination)
	require.NotNil(t, info.SupportsOrderBy)
	assert.False(t, *info.SupportsOrderBy)
	assert.Nil(t, info.SupportsSpatialFilter)
	assert.True(t, info.Spatial())

	_, err = c.LayerInfo(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.PathCount("/3"))
}

func TestLayerInfo_APIErrorNotCached(t *testing.T) {
	mock := testutil.NewMockArcGIS(parcelsLayer(1))
	defer mock.Close()

	c := newTestClient(t, mock)
	for range 2 {
		_, err := c.LayerInfo(context.Background(), 42)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr), "got %v", err)
		assert.Equal(t, 400, apiErr.Code)
		assert.Contains(t, apiErr.URL, "/42")
	}
	assert.Equal(t, 2, mock.PathCount("/42"))

	_, err := c.LayerInfo(context.Background(), -1)
	require.ErrorIs(t, err, ErrInvalidLayer)
}

func TestLayerCatalog(t *testing.T) {
	mock := testutil.NewMockArcGIS(
		parcelsLayer(1),
		&testutil.MockLayer{ID: 0, Name: "Address Points", GeometryType: GeometryPoint},
		&testutil.MockLayer{ID: 9, Name: "Sales", Type: "Table"},
	)
	defer mock.Close()

	c := newTestClient(t, mock)
	catalog, err := c.LayerCatalog(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 3, 9}, SortedLayerIDs(catalog))
	assert.Equal(t, "Sales", catalog[9].Name)
	assert.False(t, catalog[9].Spatial())
}

func TestMalformedMetadata(t *testing.T) {
	mock := testutil.NewMockArcGIS()
	defer mock.Close()
	mock.SetHandler("", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"layers": "nope"}`))
	})

	c := newTestClient(t, mock)
	_, err := c.ServiceInfo(context.Background())

	var se *client.ServerError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, client.ErrorClassMalformed, se.ErrorClass)
}

func TestServiceInfo_CancelledCallerDoesNotFailPeers(t *testing.T) {
	mock := testutil.NewMockArcGIS()
	defer mock.Close()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	mock.SetHandler("", func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		w.Write([]byte(`{"layers": [{"id": 0, "name": "Parcels"}], "tables": []}`))
	})

	c := newTestClient(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.ServiceInfo(ctx)
		firstErr <- err
	}()
	<-started

	type result struct {
		info *ServiceInfo
		err  error
	}
	second := make(chan result, 1)
	go func() {
		info, err := c.ServiceInfo(context.Background())
		second <- result{info, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	require.Len(t, res.info.Layers, 1)
	assert.Equal(t, 1, mock.PathCount(""), "peers share one fetch")
}

func TestFeatureHelpers(t *testing.T) {
	f := Feature{
		Attributes: map[string]any{"PIN": json.Number("123456789012"), "BLANK": "  ", "NULL": nil},
		Geometry:   json.RawMessage(`{"x": 1, "y": 2}`),
	}

	v, ok := f.Text("PIN")
	assert.True(t, ok)
	assert.Equal(t, "123456789012", v)

	_, ok = f.Text("BLANK")
	assert.False(t, ok)
	_, ok = f.Text("NULL")
	assert.False(t, ok)
	_, ok = f.Text("MISSING")
	assert.False(t, ok)

	assert.True(t, f.HasGeometry())
	assert.False(t, Feature{Geometry: json.RawMessage(`null`)}.HasGeometry())
	assert.False(t, Feature{}.HasGeometry())
}

func TestAPIError_Message(t *testing.T) {
	err := &APIError{URL: "http://h/0/query", Code: 400, Message: "Invalid query", Details: []string{"bad where"}}
	assert.Equal(t, "ArcGIS error 400 from http://h/0/query: Invalid query (bad where)", err.Error())

	empty := &APIError{URL: "u", Code: 500}
	assert.Contains(t, empty.Error(), "ArcGIS REST error")
}
