package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/stlco-gis-client/internal/testutil"
	"github.com/Sternrassler/stlco-gis-client/pkg/arcgis"
	"github.com/Sternrassler/stlco-gis-client/pkg/config"
	"github.com/Sternrassler/stlco-gis-client/pkg/opendata"
)

func newMock() *testutil.MockArcGIS {
	parcels := make([]testutil.MockFeature, 5)
	for i := range parcels {
		parcels[i] = testutil.MockFeature{
			Attributes: map[string]any{"OBJECTID": i + 1, "PRCL_NBR": "010-" + string(rune('1'+i))},
			Geometry:   json.RawMessage(`{"rings":[[[0,0],[0,1],[1,1],[0,0]]]}`),
		}
	}
	return testutil.NewMockArcGIS(
		&testutil.MockLayer{
			ID: 0, Name: "Address Points", GeometryType: arcgis.GeometryPoint,
			Fields: []string{"OBJECTID", "FULLADDR", "PRCL_NBR"},
			Features: []testutil.MockFeature{
				{Attributes: map[string]any{"OBJECTID": 1, "FULLADDR": "1 MAIN ST", "PRCL_NBR": "010-1"}},
			},
		},
		&testutil.MockLayer{
			ID: 3, Name: "Tax Parcels", GeometryType: arcgis.GeometryPolygon,
			Fields:   []string{"OBJECTID", "PRCL_NBR"},
			Features: parcels,
		},
	)
}

func runCmd(t *testing.T, mock *testutil.MockArcGIS, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{
		"--base-url", mock.URL(),
		"--max-retries", "0",
		"--log-level", "disabled",
	}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestLayersCmd(t *testing.T) {
	mock := newMock()
	defer mock.Close()

	out, err := runCmd(t, mock, "layers")
	require.NoError(t, err)
	assert.Contains(t, out, "Address Points")
	assert.Contains(t, out, "Tax Parcels")
	assert.Contains(t, out, arcgis.GeometryPolygon)

	out, err = runCmd(t, mock, "layers", "--json")
	require.NoError(t, err)
	var layers []arcgis.LayerInfo
	require.NoError(t, json.Unmarshal([]byte(out), &layers))
	require.Len(t, layers, 2)
	assert.Equal(t, 3, layers[1].ID)
}

func TestFirstPageCmd_ByName(t *testing.T) {
	mock := newMock()
	defer mock.Close()

	out, err := runCmd(t, mock, "first-page", "parcels", "--page-size", "2")
	require.NoError(t, err)

	var page arcgis.QueryPage
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Equal(t, 3, page.LayerID)
	assert.Len(t, page.Features, 2)
}

func TestIterCmd_NDJSON(t *testing.T) {
	mock := newMock()
	defer mock.Close()

	out, err := runCmd(t, mock, "iter", "3", "--page-size", "2")
	require.NoError(t, err)

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 5)
	var f arcgis.Feature
	require.NoError(t, json.Unmarshal([]byte(lines[4]), &f))
	assert.Equal(t, "010-5", f.Attributes["PRCL_NBR"])
	assert.Equal(t, []int{0, 2, 4}, mock.Offsets(3))

	out, err = runCmd(t, mock, "iter", "3", "--max-features", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "\n"))
}

func TestIterCmd_FailureKeepsPrefix(t *testing.T) {
	mock := newMock()
	defer mock.Close()
	mock.FailQuery(2, http.StatusBadGateway)

	out, err := runCmd(t, mock, "iter", "3", "--page-size", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 features")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestParcelCmd(t *testing.T) {
	mock := newMock()
	defer mock.Close()

	out, err := runCmd(t, mock, "parcel", "010-1", "--spatial=false")
	require.NoError(t, err)

	var b opendata.ParcelBundle
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, "010-1", b.ParcelKey)
	assert.Equal(t, 3, b.PrimaryLayerID)
	assert.Len(t, b.AddressPoints, 1)
}

func TestAddressCmd(t *testing.T) {
	mock := newMock()
	defer mock.Close()

	_, err := runCmd(t, mock, "address")
	require.ErrorIs(t, err, opendata.ErrInvalidLookup)

	out, err := runCmd(t, mock, "address", "--oid", "1", "--linked-parcel=false")
	require.NoError(t, err)
	var b opendata.AddressBundle
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, "OBJECTID=1", b.AddressKey)
	assert.Nil(t, b.LinkedParcel)
}

func TestInvalidSettings(t *testing.T) {
	mock := newMock()
	defer mock.Close()

	_, err := runCmd(t, mock, "layers", "--default-page-size", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid settings")
	assert.Equal(t, 0, mock.GetRequestCount())
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func newTestServer(t *testing.T, mock *testutil.MockArcGIS) *httptest.Server {
	t.Helper()
	s := config.DefaultSettings()
	s.BaseURL = mock.URL()
	s.MaxRetries = 0
	s.Timeout = 5 * time.Second

	c, err := opendata.New(s)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	srv := httptest.NewServer(newServer(c, zerolog.Nop()).routes())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServer_Layers(t *testing.T) {
	mock := newMock()
	defer mock.Close()
	srv := newTestServer(t, mock)

	resp, body := get(t, srv.URL+"/layers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "Tax Parcels")
}

func TestServer_FeaturesStream(t *testing.T) {
	mock := newMock()
	defer mock.Close()
	srv := newTestServer(t, mock)

	resp, body := get(t, srv.URL+"/layers/3/features?pageSize=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	assert.Equal(t, 5, strings.Count(body, "\n"))

	resp, body = get(t, srv.URL+"/layers/3/features?where="+"PRCL_NBR%20%3D%20%27nope%27")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)

	resp, _ = get(t, srv.URL+"/layers/abc/features")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/layers/3/features?pageSize=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_FeaturesStreamError(t *testing.T) {
	mock := newMock()
	defer mock.Close()
	srv := newTestServer(t, mock)

	mock.FailQuery(1, http.StatusBadGateway)
	resp, _ := get(t, srv.URL+"/layers/3/features?pageSize=2")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	mock.Reset()
	mock.FailQuery(2, http.StatusBadGateway)
	resp, body := get(t, srv.URL+"/layers/3/features?pageSize=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], `"error"`)
}

func TestServer_Parcels(t *testing.T) {
	mock := newMock()
	defer mock.Close()
	srv := newTestServer(t, mock)

	resp, body := get(t, srv.URL+"/parcels/010-2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b opendata.ParcelBundle
	require.NoError(t, json.Unmarshal([]byte(body), &b))
	assert.Equal(t, "010-2", b.ParcelKey)

	resp, _ = get(t, srv.URL+"/parcels/999-9")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	mock := newMock()
	defer mock.Close()
	srv := newTestServer(t, mock)

	get(t, srv.URL+"/layers")
	resp, body := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "arcgis_requests_total")
	assert.Contains(t, body, "arcgis_cache_misses_total")
}
