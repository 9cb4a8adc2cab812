package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/jkgeo/terracotta/catalog"
	"github.com/jkgeo/terracotta/raster"
	"github.com/jkgeo/terracotta/raster/rastertest"
	"github.com/jkgeo/terracotta/render"
	"github.com/jkgeo/terracotta/stats"
	"github.com/jkgeo/terracotta/tilecache"
	"github.com/jkgeo/terracotta/tiles"
)

type testServer struct {
	server *httptest.Server
	codec  *rastertest.Codec
}

func setupTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	codec := rastertest.NewCodec()
	store, err := catalog.Open("")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"red", "green", "blue"} {
		path := "/data/" + id + ".tif"
		codec.Add(path, rastertest.Gradient(512, 512))
		st, err := stats.ComputeFile(context.Background(), codec, path, stats.Options{})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Put(catalog.Dataset{ID: id, Name: id, Path: path, Stats: st}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Put(catalog.Dataset{ID: "pending", Path: "/data/pending.tif"}); err != nil {
		t.Fatal(err)
	}

	cache, err := tilecache.New(tilecache.Config{CapacityBytes: 32 << 20, CompressionLevel: 1})
	if err != nil {
		t.Fatal(err)
	}
	svc := tiles.New(codec, store, cache, render.NewRenderer(png.BestSpeed), tiles.Config{
		Upsampling:   raster.Nearest,
		Downsampling: raster.Average,
	})
	srv, err := New(svc, store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &testServer{server: ts, codec: codec}
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func TestStatusCodes(t *testing.T) {
	ts := setupTestServer(t, Config{})
	explicit := url.QueryEscape(`{"0":[255,0,0],"1":[0,255,0,128]}`)
	tests := []struct {
		name string
		path string
		want int
	}{
		{"health", "/healthz", http.StatusOK},
		{"tile", "/singleband/red/1/0/1.png", http.StatusOK},
		{"tile with colormap", "/singleband/red/2/1/1.png?colormap=viridis&stretch_min=0&stretch_max=100", http.StatusOK},
		{"tile explicit colormap", "/singleband/red/1/0/0.png?explicit_color_map=" + explicit, http.StatusOK},
		{"preview", "/singleband/red/preview.png?tile_size=64", http.StatusOK},
		{"rgb", "/rgb/red/green/blue/1/1/1.png?r_range=[0,500]", http.StatusOK},
		{"rgb preview", "/rgb/red/green/blue/preview.png", http.StatusOK},
		{"out of range", "/singleband/red/1/2/0.png", http.StatusBadRequest},
		{"bad zoom", "/singleband/red/a/0/0.png", http.StatusBadRequest},
		{"inverted stretch", "/singleband/red/0/0/0.png?stretch_min=10&stretch_max=1", http.StatusBadRequest},
		{"bad stretch", "/singleband/red/0/0/0.png?stretch_min=x&stretch_max=1", http.StatusBadRequest},
		{"infinite stretch", "/singleband/red/0/0/0.png?stretch_min=-Inf&stretch_max=1", http.StatusBadRequest},
		{"rgb inverted stretch", "/rgb/red/green/blue/0/0/0.png?stretch_min=10&stretch_max=1", http.StatusBadRequest},
		{"unknown colormap", "/singleband/red/0/0/0.png?colormap=nope", http.StatusBadRequest},
		{"both colormaps", "/singleband/red/0/0/0.png?colormap=viridis&explicit_color_map=" + explicit, http.StatusBadRequest},
		{"bad explicit colormap", "/singleband/red/0/0/0.png?explicit_color_map=" + url.QueryEscape(`{"300":[1,2,3]}`), http.StatusBadRequest},
		{"tile too large", "/singleband/red/0/0/0.png?tile_size=5000", http.StatusBadRequest},
		{"bad range", "/rgb/red/green/blue/0/0/0.png?g_range=[1]", http.StatusBadRequest},
		{"unknown dataset", "/singleband/nope/0/0/0.png", http.StatusNotFound},
		{"not servable", "/singleband/pending/0/0/0.png", http.StatusNotFound},
		{"rgb missing blue", "/rgb/red/green/nope/0/0/0.png", http.StatusNotFound},
		{"dataset", "/datasets/red", http.StatusOK},
		{"missing dataset", "/datasets/nope", http.StatusNotFound},
		{"metadata", "/metadata/red", http.StatusOK},
		{"metadata not servable", "/metadata/pending", http.StatusNotFound},
		{"legend", "/colormap?stretch_min=0&stretch_max=1&colormap=magma&num_values=10", http.StatusOK},
		{"legend without stretch", "/colormap?colormap=magma", http.StatusBadRequest},
		{"legend bad count", "/colormap?stretch_min=0&stretch_max=1&num_values=0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.get(t, tt.path)
			if resp.StatusCode != tt.want {
				t.Errorf("GET %s = %d, want %d (%s)", tt.path, resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestTileResponse(t *testing.T) {
	ts := setupTestServer(t, Config{})
	resp, body := ts.get(t, "/singleband/red/3/2/5.png?tile_size=128")
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 128 || b.Dy() != 128 {
		t.Errorf("tile is %dx%d", b.Dx(), b.Dy())
	}
}

func TestRGBStretch(t *testing.T) {
	ts := setupTestServer(t, Config{})
	fetch := func(query string) []byte {
		t.Helper()
		resp, body := ts.get(t, "/rgb/red/green/blue/preview.png?tile_size=64"+query)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d (%s)", query, resp.StatusCode, body)
		}
		return body
	}

	plain := fetch("")
	uniform := fetch("&stretch_min=0&stretch_max=100")
	if bytes.Equal(plain, uniform) {
		t.Error("stretch_min and stretch_max did not change the composite")
	}
	perBand := fetch("&r_range=[0,100]&g_range=[0,100]&b_range=[0,100]")
	if !bytes.Equal(uniform, perBand) {
		t.Error("uniform stretch differs from the same range given per band")
	}
	// A per band range wins over the uniform one for its band.
	mixed := fetch("&stretch_min=0&stretch_max=100&r_range=[0,1022]")
	if bytes.Equal(mixed, uniform) {
		t.Error("r_range was ignored next to stretch_min and stretch_max")
	}
}

func TestBadRequestsDoNotRead(t *testing.T) {
	ts := setupTestServer(t, Config{})
	reads := ts.codec.Reads()
	for _, path := range []string{
		"/singleband/red/0/0/0.png?stretch_min=10&stretch_max=1",
		"/singleband/red/5/40/0.png",
		"/rgb/red/green/nope/0/0/0.png",
	} {
		ts.get(t, path)
	}
	if n := ts.codec.Reads() - reads; n != 0 {
		t.Errorf("%d raster reads for rejected requests", n)
	}
}

func TestMetadata(t *testing.T) {
	ts := setupTestServer(t, Config{})
	_, body := ts.get(t, "/metadata/red")
	var meta struct {
		ID         string    `json:"id"`
		Bounds     []float64 `json:"bounds"`
		Range      []float64 `json:"range"`
		ConvexHull struct {
			Type        string        `json:"type"`
			Coordinates [][][]float64 `json:"coordinates"`
		} `json:"convex_hull"`
		Percentiles []float64 `json:"percentiles"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if meta.ID != "red" || len(meta.Bounds) != 4 || len(meta.Percentiles) != 99 {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.Range[0] != 0 || meta.Range[1] != 1022 {
		t.Errorf("range = %v, want [0 1022]", meta.Range)
	}
	if meta.ConvexHull.Type != "Polygon" || len(meta.ConvexHull.Coordinates) != 1 || len(meta.ConvexHull.Coordinates[0]) < 4 {
		t.Errorf("convex hull = %+v", meta.ConvexHull)
	}
}

func TestDatasets(t *testing.T) {
	ts := setupTestServer(t, Config{})
	_, body := ts.get(t, "/datasets")
	var list struct {
		Datasets []struct {
			ID       string `json:"id"`
			Servable bool   `json:"servable"`
		} `json:"datasets"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 4 {
		t.Fatalf("total = %d", list.Total)
	}
	for _, d := range list.Datasets {
		if d.Servable != (d.ID != "pending") {
			t.Errorf("%s servable = %v", d.ID, d.Servable)
		}
	}
}

func TestLegend(t *testing.T) {
	ts := setupTestServer(t, Config{})
	_, body := ts.get(t, "/colormap?stretch_min=0&stretch_max=10&num_values=3")
	var legend struct {
		Colormap []render.LegendEntry `json:"colormap"`
	}
	if err := json.Unmarshal(body, &legend); err != nil {
		t.Fatal(err)
	}
	want := []render.LegendEntry{
		{Value: 0, RGBA: [4]uint8{1, 1, 1, 255}},
		{Value: 5, RGBA: [4]uint8{128, 128, 128, 255}},
		{Value: 10, RGBA: [4]uint8{255, 255, 255, 255}},
	}
	if len(legend.Colormap) != len(want) {
		t.Fatalf("legend = %+v", legend.Colormap)
	}
	for i := range want {
		if legend.Colormap[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, legend.Colormap[i], want[i])
		}
	}
}

func TestResponseCache(t *testing.T) {
	ts := setupTestServer(t, Config{ResponseCacheMB: 8})
	path := "/singleband/red/1/1/1.png?colormap=viridis"
	first, firstBody := ts.get(t, path)
	if first.Header.Get("X-Cache") != "MISS" {
		t.Errorf("first X-Cache = %q", first.Header.Get("X-Cache"))
	}
	opens := ts.codec.Opens()
	second, secondBody := ts.get(t, path)
	if second.Header.Get("X-Cache") != "HIT" {
		t.Errorf("second X-Cache = %q", second.Header.Get("X-Cache"))
	}
	if ts.codec.Opens() != opens {
		t.Error("cached response opened the raster")
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Error("cached body differs")
	}

	bad, _ := ts.get(t, "/singleband/red/1/4/1.png")
	again, _ := ts.get(t, "/singleband/red/1/4/1.png")
	if bad.StatusCode != http.StatusBadRequest || again.Header.Get("X-Cache") == "HIT" {
		t.Error("error response was cached")
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", raster.ErrOutOfRange), http.StatusBadRequest},
		{raster.ErrInvalidStretch, http.StatusBadRequest},
		{fmt.Errorf("%w: nope", catalog.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: band 2: boom", raster.ErrBandRead), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
