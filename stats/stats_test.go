package stats

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"

	"github.com/jkgeo/terracotta/raster"
	"github.com/jkgeo/terracotta/raster/rastertest"
)

func TestCompute(t *testing.T) {
	codec := rastertest.NewCodec()
	r := rastertest.Gradient(10, 10)
	// Mask the left half of the first row.
	for i := 0; i < 5; i++ {
		r.Data.Mask[i] = false
	}
	codec.Add("grad", r)

	s, err := ComputeFile(context.Background(), codec, "grad", Options{ChunkSize: 4})
	if err != nil {
		t.Fatalf("ComputeFile() error = %v", err)
	}

	if got, want := s.ValidPercentage, 95.0; got != want {
		t.Errorf("ValidPercentage = %v, want %v", got, want)
	}
	if s.Min != 1 || s.Max != 18 {
		t.Errorf("range = [%v,%v], want [1,18]", s.Min, s.Max)
	}

	var sum, n float64
	for j := 0; j < 10; j++ {
		for i := 0; i < 10; i++ {
			if j == 0 && i < 5 {
				continue
			}
			sum += float64(i + j)
			n++
		}
	}
	mean := sum / n
	if math.Abs(s.Mean-mean) > 1e-9 {
		t.Errorf("Mean = %v, want %v", s.Mean, mean)
	}
	var ss float64
	for j := 0; j < 10; j++ {
		for i := 0; i < 10; i++ {
			if j == 0 && i < 5 {
				continue
			}
			d := float64(i+j) - mean
			ss += d * d
		}
	}
	if stdev := math.Sqrt(ss / n); math.Abs(s.Stdev-stdev) > 1e-9 {
		t.Errorf("Stdev = %v, want %v", s.Stdev, stdev)
	}

	if len(s.Percentiles) != 99 {
		t.Fatalf("len(Percentiles) = %d, want 99", len(s.Percentiles))
	}
	for i := 1; i < len(s.Percentiles); i++ {
		if s.Percentiles[i] < s.Percentiles[i-1] {
			t.Fatalf("percentiles not sorted at %d: %v", i, s.Percentiles)
		}
	}

	// The gradient covers the whole Mercator square.
	if math.Abs(s.Bounds.West+180) > 1e-6 || math.Abs(s.Bounds.East-180) > 1e-6 {
		t.Errorf("Bounds = %+v, want west -180 east 180", s.Bounds)
	}
	if math.Abs(s.Bounds.North-raster.MaxMercatorLat) > 1e-6 {
		t.Errorf("Bounds.North = %v, want %v", s.Bounds.North, raster.MaxMercatorLat)
	}
	if len(s.ConvexHull) != 1 || len(s.ConvexHull[0]) < 4 {
		t.Fatalf("ConvexHull = %v, want a closed ring", s.ConvexHull)
	}
	ring := s.ConvexHull[0]
	if ring[0] != ring[len(ring)-1] {
		t.Errorf("hull ring is not closed: %v", ring)
	}
}

func TestComputeErrors(t *testing.T) {
	codec := rastertest.NewCodec()
	empty := rastertest.Gradient(4, 4)
	for i := range empty.Data.Mask {
		empty.Data.Mask[i] = false
	}
	codec.Add("empty", empty)

	tests := []struct {
		name string
		ref  string
		want error
	}{
		{"no valid pixels", "empty", raster.ErrNoValidPixels},
		{"unrecognized", "missing", raster.ErrUnrecognizedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeFile(context.Background(), codec, tt.ref, Options{})
			if !errors.Is(err, tt.want) {
				t.Errorf("ComputeFile() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPercentiles(t *testing.T) {
	sorted := make([]float64, 101)
	for i := range sorted {
		sorted[i] = float64(i)
	}
	p := Percentiles(sorted)
	for i, v := range p {
		if v != float64(i+1) {
			t.Fatalf("Percentiles()[%d] = %v, want %v", i, v, i+1)
		}
	}

	single := Percentiles([]float64{7})
	for _, v := range single {
		if v != 7 {
			t.Fatalf("Percentiles of one value = %v", single)
		}
	}
	if Percentiles(nil) != nil {
		t.Error("Percentiles(nil) should be nil")
	}
}

func TestConvexHull(t *testing.T) {
	pts := []orb.Point{
		{0, 0}, {2, 0}, {2, 2}, {0, 2},
		{1, 1}, {1, 0}, {0.5, 1.5},
	}
	ring := ConvexHull(pts)
	if len(ring) != 5 {
		t.Fatalf("ConvexHull() = %v, want 4 corners and the closing point", ring)
	}
	if ring[0] != ring[4] {
		t.Errorf("ring not closed: %v", ring)
	}
	if area := math.Abs(ringArea(ring)); area != 4 {
		t.Errorf("hull area = %v, want 4", area)
	}
}

func TestSampleCap(t *testing.T) {
	codec := rastertest.NewCodec()
	codec.Add("grad", rastertest.Gradient(50, 50))
	s, err := ComputeFile(context.Background(), codec, "grad", Options{SampleSize: 100})
	if err != nil {
		t.Fatalf("ComputeFile() error = %v", err)
	}
	// Exact values still come from the running moments.
	if s.Min != 0 || s.Max != 98 {
		t.Errorf("range = [%v,%v], want [0,98]", s.Min, s.Max)
	}
	if s.Percentiles[0] < s.Min || s.Percentiles[98] > s.Max {
		t.Errorf("sampled percentiles %v outside range", s.Percentiles)
	}
}

func ringArea(r orb.Ring) float64 {
	var a float64
	for i := 0; i+1 < len(r); i++ {
		a += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	return a / 2
}
