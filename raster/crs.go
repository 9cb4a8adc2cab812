package raster

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	EPSG4326 = 4326
	EPSG3857 = 3857

	// MaxMercatorLat is the latitude at which the Web Mercator square ends.
	MaxMercatorLat = 85.05112877980659
)

// Projector maps a point from one CRS to another.
type Projector func(orb.Point) orb.Point

// NewProjector returns the point transformation between two EPSG codes.
// Only geographic WGS84 and Web Mercator are supported; a CRS of 0 is
// treated as whatever the other side is.
func NewProjector(from, to int) (Projector, error) {
	if from == to || from == 0 || to == 0 {
		return func(p orb.Point) orb.Point { return p }, nil
	}
	switch {
	case from == EPSG4326 && to == EPSG3857:
		return func(p orb.Point) orb.Point {
			p[1] = math.Max(-MaxMercatorLat, math.Min(MaxMercatorLat, p[1]))
			return project.WGS84.ToMercator(p)
		}, nil
	case from == EPSG3857 && to == EPSG4326:
		return Projector(project.Mercator.ToWGS84), nil
	}
	return nil, fmt.Errorf("%w: EPSG:%d to EPSG:%d", ErrUnsupportedCRS, from, to)
}

// ProjectBounds transforms an extent between CRSs by densifying its edges.
func ProjectBounds(b orb.Bound, from, to int) (orb.Bound, error) {
	proj, err := NewProjector(from, to)
	if err != nil {
		return orb.Bound{}, err
	}
	const steps = 20
	out := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for i := 0; i <= steps; i++ {
		f := float64(i) / steps
		x := b.Min[0] + f*(b.Max[0]-b.Min[0])
		y := b.Min[1] + f*(b.Max[1]-b.Min[1])
		for _, p := range []orb.Point{{x, b.Min[1]}, {x, b.Max[1]}, {b.Min[0], y}, {b.Max[0], y}} {
			out = out.Extend(proj(p))
		}
	}
	return out, nil
}
