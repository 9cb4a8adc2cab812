package geotiff

import (
	"context"
	"fmt"
	"math"

	"github.com/jkgeo/terracotta/raster"
)

// kernelPad is the number of extra source pixels read around a window so
// interpolating kernels see real neighbours at the window edge.
const kernelPad = 2

// ReadWindow reads band (1-based) over w, given in full resolution pixel
// coordinates, resampled to outWidth x outHeight. The coarsest overview that
// is still at least as fine as the requested resolution is used.
func (g *GeoTIFF) ReadWindow(ctx context.Context, w raster.Window, outWidth, outHeight int, rs raster.Resampling, band int) (raster.Block, error) {
	if band < 1 || band > g.geom.BandCount {
		return raster.Block{}, fmt.Errorf("band %d out of range [1,%d]", band, g.geom.BandCount)
	}
	if outWidth <= 0 || outHeight <= 0 || w.Width <= 0 || w.Height <= 0 {
		return raster.Block{}, fmt.Errorf("invalid read of window %s into %dx%d", w, outWidth, outHeight)
	}
	if !w.Intersects(g.geom.Width, g.geom.Height) {
		return raster.NewBlock(outWidth, outHeight), nil
	}

	level := g.levelFor(w.Width/float64(outWidth), w.Height/float64(outHeight))
	im := g.levels[level]
	fx := float64(im.width) / float64(g.geom.Width)
	fy := float64(im.height) / float64(g.geom.Height)

	// Window in the pixel space of the chosen level.
	lx, ly := w.ColOff*fx, w.RowOff*fy
	lw, lh := w.Width*fx, w.Height*fy

	c0 := int(math.Floor(lx)) - kernelPad
	r0 := int(math.Floor(ly)) - kernelPad
	c1 := int(math.Ceil(lx+lw)) + kernelPad
	r1 := int(math.Ceil(ly+lh)) + kernelPad
	c0, r0 = max(c0, 0), max(r0, 0)
	c1, r1 = min(c1, im.width), min(r1, im.height)

	region, err := g.readRegion(ctx, level, band, c0, r0, c1-c0, r1-r0)
	if err != nil {
		return raster.Block{}, err
	}
	return raster.Resample(region, lx-float64(c0), ly-float64(r0), lw/float64(outWidth), lh/float64(outHeight), outWidth, outHeight, rs), nil
}

// levelFor picks the overview for a read at sx, sy full resolution pixels
// per output pixel.
func (g *GeoTIFF) levelFor(sx, sy float64) int {
	res := math.Min(sx, sy)
	best := 0
	for i, im := range g.levels {
		factor := float64(g.geom.Width) / float64(im.width)
		if factor <= res*(1+1e-6) {
			best = i
		}
	}
	return best
}

var _ raster.Handle = (*GeoTIFF)(nil)
