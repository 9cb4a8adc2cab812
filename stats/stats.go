// Package stats computes the summary statistics stored with every dataset at
// ingest time.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/paulmach/orb"

	"github.com/jkgeo/terracotta/raster"
)

// DefaultSampleSize caps the number of values kept for percentiles.
const DefaultSampleSize = 1_000_000

// Bounds is a geographic extent in WGS84 degrees.
type Bounds struct {
	North float64 `yaml:"north" json:"north"`
	East  float64 `yaml:"east" json:"east"`
	South float64 `yaml:"south" json:"south"`
	West  float64 `yaml:"west" json:"west"`
}

// Bound returns b as an orb.Bound.
func (b Bounds) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// Stats summarizes the valid pixels of band 1 of a raster.
type Stats struct {
	Bounds          Bounds      `yaml:"bounds" json:"bounds"`
	ConvexHull      orb.Polygon `yaml:"-" json:"-"`
	ValidPercentage float64     `yaml:"valid_percentage" json:"valid_percentage"`
	Min             float64     `yaml:"min" json:"min"`
	Max             float64     `yaml:"max" json:"max"`
	Mean            float64     `yaml:"mean" json:"mean"`
	Stdev           float64     `yaml:"stdev" json:"stdev"`
	// Percentiles holds the 1st to 99th percentile.
	Percentiles []float64 `yaml:"percentiles" json:"percentiles"`
}

// Range returns the value range used as the default stretch.
func (s *Stats) Range() (lo, hi float64) { return s.Min, s.Max }

// Options configures Compute.
type Options struct {
	// SampleSize caps the reservoir used for percentiles. Zero means
	// DefaultSampleSize.
	SampleSize int
	// ChunkSize is the edge of the square windows read per pass. Zero uses
	// the raster's block size, at least 256.
	ChunkSize int
	Logger    *slog.Logger
}

// ComputeFile opens ref through codec and computes its statistics.
func ComputeFile(ctx context.Context, codec raster.Codec, ref string, opts Options) (*Stats, error) {
	h, err := codec.Open(ctx, ref)
	if err != nil {
		if errors.Is(err, raster.ErrUnrecognizedFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", raster.ErrUnrecognizedFormat, err)
	}
	defer h.Close()
	return Compute(ctx, h, opts)
}

// Compute reads band 1 of h once, chunk by chunk, and derives its
// statistics. It returns raster.ErrNoValidPixels when every pixel is nodata.
func Compute(ctx context.Context, h raster.Handle, opts Options) (*Stats, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sampleSize := opts.SampleSize
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	geom := h.Geometry()
	if geom.BandCount > 1 {
		logger.Warn("raster has more than one band, only the first is used", "bands", geom.BandCount)
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = max(geom.BlockWidth, geom.BlockHeight, 256)
	}

	start := time.Now()
	acc := newAccumulator(geom.Width, geom.Height, sampleSize)
	for _, win := range raster.BlockWindows(geom.Width, geom.Height, chunk) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		col, row, w, hgt := win.Int()
		b, err := h.ReadWindow(ctx, win, w, hgt, raster.Nearest, 1)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", win, err)
		}
		acc.add(b, col, row)
	}
	if acc.count == 0 {
		return nil, raster.ErrNoValidPixels
	}

	s, err := acc.stats(geom)
	if err != nil {
		return nil, err
	}
	logger.Debug("computed raster statistics",
		"pixels", geom.Pixels(),
		"valid_percentage", s.ValidPercentage,
		"duration", time.Since(start))
	return s, nil
}

// accumulator keeps running moments, a reservoir sample and the horizontal
// extent of valid pixels on every row.
type accumulator struct {
	width, height int

	count    int64
	min, max float64
	mean, m2 float64

	sample   []float64
	capacity int
	rng      *rand.Rand

	rowFirst []int32
	rowLast  []int32
}

func newAccumulator(width, height, capacity int) *accumulator {
	a := &accumulator{
		width:    width,
		height:   height,
		min:      math.Inf(1),
		max:      math.Inf(-1),
		capacity: capacity,
		rng:      rand.New(rand.NewPCG(0x7e44ac07, 0x5eed)),
		rowFirst: make([]int32, height),
		rowLast:  make([]int32, height),
	}
	for i := range a.rowFirst {
		a.rowFirst[i] = -1
		a.rowLast[i] = -1
	}
	return a
}

func (a *accumulator) add(b raster.Block, col, row int) {
	for j := 0; j < b.Height; j++ {
		r := row + j
		for i := 0; i < b.Width; i++ {
			k := j*b.Width + i
			if !b.Mask[k] {
				continue
			}
			v := b.Values[k]
			a.count++
			a.min = math.Min(a.min, v)
			a.max = math.Max(a.max, v)
			d := v - a.mean
			a.mean += d / float64(a.count)
			a.m2 += d * (v - a.mean)

			if len(a.sample) < a.capacity {
				a.sample = append(a.sample, v)
			} else if n := a.rng.Int64N(a.count); n < int64(a.capacity) {
				a.sample[n] = v
			}

			c := int32(col + i)
			if a.rowFirst[r] < 0 || c < a.rowFirst[r] {
				a.rowFirst[r] = c
			}
			if c > a.rowLast[r] {
				a.rowLast[r] = c
			}
		}
	}
}

func (a *accumulator) stats(geom raster.Geometry) (*Stats, error) {
	minX, minY, maxX, maxY := geom.Bounds()
	bound, err := raster.ProjectBounds(orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}, geom.CRS, raster.EPSG4326)
	if err != nil {
		return nil, err
	}
	hull, err := a.hull(geom)
	if err != nil {
		return nil, err
	}
	slices.Sort(a.sample)
	return &Stats{
		Bounds: Bounds{
			North: bound.Max[1],
			East:  bound.Max[0],
			South: bound.Min[1],
			West:  bound.Min[0],
		},
		ConvexHull:      hull,
		ValidPercentage: 100 * float64(a.count) / float64(geom.Pixels()),
		Min:             a.min,
		Max:             a.max,
		Mean:            a.mean,
		Stdev:           math.Sqrt(a.m2 / float64(a.count)),
		Percentiles:     Percentiles(a.sample),
	}, nil
}

// hull returns the convex hull of the footprints of all valid pixels, in
// WGS84.
func (a *accumulator) hull(geom raster.Geometry) (orb.Polygon, error) {
	proj, err := raster.NewProjector(geom.CRS, raster.EPSG4326)
	if err != nil {
		return nil, err
	}
	var pts []orb.Point
	for r := range a.rowFirst {
		if a.rowFirst[r] < 0 {
			continue
		}
		y0, y1 := float64(r), float64(r+1)
		x0, x1 := float64(a.rowFirst[r]), float64(a.rowLast[r]+1)
		pts = append(pts, orb.Point{x0, y0}, orb.Point{x0, y1}, orb.Point{x1, y0}, orb.Point{x1, y1})
	}
	ring := ConvexHull(pts)
	for i, p := range ring {
		x, y := geom.Transform.Apply(p[0], p[1])
		ring[i] = proj(orb.Point{x, y})
	}
	return orb.Polygon{ring}, nil
}

// Percentiles returns the 1st to 99th percentiles of sorted, interpolating
// linearly between closest ranks.
func Percentiles(sorted []float64) []float64 {
	if len(sorted) == 0 {
		return nil
	}
	out := make([]float64, 99)
	last := float64(len(sorted) - 1)
	for p := 1; p <= 99; p++ {
		pos := float64(p) / 100 * last
		lo := int(math.Floor(pos))
		hi := min(lo+1, len(sorted)-1)
		frac := pos - float64(lo)
		out[p-1] = sorted[lo] + frac*(sorted[hi]-sorted[lo])
	}
	return out
}

// ConvexHull returns the closed counter-clockwise hull of pts using the
// monotone chain algorithm.
func ConvexHull(pts []orb.Point) orb.Ring {
	pts = slices.Clone(pts)
	slices.SortFunc(pts, func(a, b orb.Point) int {
		if a[0] != b[0] {
			if a[0] < b[0] {
				return -1
			}
			return 1
		}
		switch {
		case a[1] < b[1]:
			return -1
		case a[1] > b[1]:
			return 1
		}
		return 0
	})
	pts = slices.Compact(pts)
	if len(pts) < 3 {
		ring := orb.Ring(pts)
		if len(ring) > 0 {
			ring = append(ring, ring[0])
		}
		return ring
	}

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}
	hull := make([]orb.Point, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	// The last point repeats the first, closing the ring.
	return orb.Ring(hull)
}
