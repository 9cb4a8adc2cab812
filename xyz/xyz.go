// Package xyz maps slippy map tile indices to pixel windows of a raster.
package xyz

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/jkgeo/terracotta/raster"
)

// MaxZoom is the deepest zoom level served.
const MaxZoom = 30

// DefaultTileSize is the edge of a tile in pixels when none is requested.
const DefaultTileSize = 256

// ValidateTile checks that x and y address a tile of the 2^z by 2^z grid.
func ValidateTile(z, x, y int) error {
	if z < 0 || z > MaxZoom {
		return fmt.Errorf("%w: zoom %d not in [0,%d]", raster.ErrOutOfRange, z, MaxZoom)
	}
	n := 1 << z
	if x < 0 || x >= n || y < 0 || y >= n {
		return fmt.Errorf("%w: tile %d/%d/%d outside a %dx%d grid", raster.ErrOutOfRange, z, x, y, n, n)
	}
	return nil
}

// TileBound returns the extent of tile z/x/y in the given CRS.
func TileBound(z, x, y, crs int) (orb.Bound, error) {
	if err := ValidateTile(z, x, y); err != nil {
		return orb.Bound{}, err
	}
	// maptile bounds are in WGS84.
	b := maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Bound()
	if crs != raster.EPSG3857 {
		return raster.ProjectBounds(b, raster.EPSG4326, crs)
	}
	// Project the corners directly so neighbouring tiles share exact edges.
	proj, err := raster.NewProjector(raster.EPSG4326, raster.EPSG3857)
	if err != nil {
		return orb.Bound{}, err
	}
	return orb.Bound{Min: proj(b.Min), Max: proj(b.Max)}, nil
}

// Resolve returns the fractional pixel window of geom covered by tile
// z/x/y. The size is only validated; the window does not depend on it.
func Resolve(geom raster.Geometry, z, x, y, size int) (raster.Window, error) {
	if size <= 0 {
		return raster.Window{}, fmt.Errorf("invalid tile size %d", size)
	}
	crs := geom.CRS
	if crs == 0 {
		crs = raster.EPSG3857
	}
	b, err := TileBound(z, x, y, crs)
	if err != nil {
		return raster.Window{}, err
	}
	return BoundWindow(geom, b)
}

// BoundWindow converts an extent in the raster's CRS to a pixel window.
func BoundWindow(geom raster.Geometry, b orb.Bound) (raster.Window, error) {
	inv, err := geom.Transform.Invert()
	if err != nil {
		return raster.Window{}, err
	}
	minC, minR := math.Inf(1), math.Inf(1)
	maxC, maxR := math.Inf(-1), math.Inf(-1)
	for _, p := range []orb.Point{b.Min, b.Max, {b.Min[0], b.Max[1]}, {b.Max[0], b.Min[1]}} {
		c, r := inv.Apply(p[0], p[1])
		minC, maxC = math.Min(minC, c), math.Max(maxC, c)
		minR, maxR = math.Min(minR, r), math.Max(maxR, r)
	}
	return raster.Window{ColOff: minC, RowOff: minR, Width: maxC - minC, Height: maxR - minR}, nil
}

// PreviewWindow is the window of the preview tile: the full extent of the
// raster.
func PreviewWindow(geom raster.Geometry) raster.Window {
	return raster.FullWindow(geom.Width, geom.Height)
}

// ChooseResampling returns up when the window has fewer source pixels than
// the output along either axis, and down otherwise.
func ChooseResampling(w raster.Window, size int, up, down raster.Resampling) raster.Resampling {
	if w.Width < float64(size) || w.Height < float64(size) {
		return up
	}
	return down
}
