package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jkgeo/terracotta/raster"
	"github.com/jkgeo/terracotta/raster/rastertest"
	"github.com/jkgeo/terracotta/stats"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Landsat 8_B4", "landsat-8-b4"},
		{"  --dem--  ", "dem"},
		{"ÉTÉ 2020", "t-2020"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUniqueID(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"dem", "dem-1", "dem-2"} {
		id := s.UniqueID("DEM")
		if id != want {
			t.Fatalf("UniqueID() = %q, want %q", id, want)
		}
		if err := s.Put(Dataset{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if id := s.UniqueID("!!!"); id != "dataset" {
		t.Errorf("UniqueID(!!!) = %q", id)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	codec := rastertest.NewCodec()
	codec.Add("grad", rastertest.Gradient(8, 8))
	st, err := stats.ComputeFile(context.Background(), codec, "grad", stats.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(Dataset{ID: "a", Name: "A", Path: "/data/a.tif", Stats: st}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(Dataset{ID: "b", Path: "/data/b.tif"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	list := reloaded.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List() = %+v", list)
	}
	a, err := reloaded.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Servable(); err != nil {
		t.Errorf("a.Servable() = %v", err)
	}
	if a.Stats.Max != st.Max || len(a.Stats.Percentiles) != 99 {
		t.Errorf("stats not preserved: %+v", a.Stats)
	}
	if len(a.Stats.ConvexHull) != 1 || len(a.Stats.ConvexHull[0]) != len(st.ConvexHull[0]) {
		t.Errorf("hull not preserved: %v", a.Stats.ConvexHull)
	}
	b, _ := reloaded.Get("b")
	if err := b.Servable(); !errors.Is(err, ErrNotServable) {
		t.Errorf("b.Servable() = %v, want ErrNotServable", err)
	}
	if _, err := reloaded.Get("c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(c) = %v, want ErrNotFound", err)
	}
}

func TestIngest(t *testing.T) {
	codec := rastertest.NewCodec()
	codec.Add("/data/dem.tif", rastertest.Gradient(8, 8))
	codec.Add("/other/dem.tif", rastertest.Gradient(8, 8))
	empty := rastertest.Gradient(4, 4)
	for i := range empty.Data.Mask {
		empty.Data.Mask[i] = false
	}
	codec.Add("/data/empty.tif", empty)
	broken := rastertest.Gradient(4, 4)
	codec.Add("/data/broken.tif", broken)
	codec.FailRead["/data/broken.tif"] = errors.New("disk on fire")

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	report, err := Ingest(context.Background(), codec, store,
		[]string{"/data/dem.tif", "/data/missing.tif", "/data/empty.tif", "/data/broken.tif", "/other/dem.tif"},
		IngestOptions{Collection: "test"})
	if err != nil {
		t.Fatal(err)
	}

	want := []Status{StatusIngested, StatusSkippedUnrecognized, StatusSkippedNoValidPixels, StatusFailed, StatusIngested}
	for i, o := range report.Outcomes {
		if o.Status != want[i] {
			t.Errorf("outcome %d (%s) = %s, want %s (err %v)", i, o.Path, o.Status, want[i], o.Err)
		}
	}
	if report.Outcomes[0].ID != "dem" || report.Outcomes[4].ID != "dem-1" {
		t.Errorf("ids = %q, %q", report.Outcomes[0].ID, report.Outcomes[4].ID)
	}
	if !errors.Is(report.Outcomes[1].Err, raster.ErrUnrecognizedFormat) {
		t.Errorf("missing file error = %v", report.Outcomes[1].Err)
	}
	if report.Count(StatusIngested) != 2 {
		t.Errorf("Count(ingested) = %d", report.Count(StatusIngested))
	}

	// Ingesting again keeps the IDs.
	report, err = Ingest(context.Background(), codec, store, []string{"/other/dem.tif"}, IngestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcomes[0].ID != "dem-1" {
		t.Errorf("re-ingest id = %q, want dem-1", report.Outcomes[0].ID)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(reloaded.List()); got != 2 {
		t.Errorf("reloaded catalog has %d datasets, want 2", got)
	}
}
