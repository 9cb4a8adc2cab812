package geotiff

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/jkgeo/terracotta/raster"
)

// warpedHandle is a virtual view of a source raster reprojected to another
// CRS. Nothing is materialised; every window read maps output pixel centres
// back into the source grid.
type warpedHandle struct {
	src    raster.Handle
	geom   raster.Geometry
	toSrc  raster.Projector
	srcInv raster.Transform // source CRS to source pixel
	rs     raster.Resampling
}

// NewWarpedView wraps src so it appears in targetCRS. The output grid covers
// the reprojected extent with square pixels and roughly the same pixel count.
func NewWarpedView(src raster.Handle, targetCRS int, rs raster.Resampling) (raster.Handle, error) {
	sg := src.Geometry()
	if sg.CRS == targetCRS {
		return src, nil
	}
	if sg.CRS == 0 {
		return nil, fmt.Errorf("%w: source has no CRS", raster.ErrUnsupportedCRS)
	}
	toSrc, err := raster.NewProjector(targetCRS, sg.CRS)
	if err != nil {
		return nil, err
	}
	srcInv, err := sg.Transform.Invert()
	if err != nil {
		return nil, err
	}

	minX, minY, maxX, maxY := sg.Bounds()
	tb, err := raster.ProjectBounds(orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}, sg.CRS, targetCRS)
	if err != nil {
		return nil, err
	}
	tw, th := tb.Max[0]-tb.Min[0], tb.Max[1]-tb.Min[1]
	if tw <= 0 || th <= 0 || math.IsInf(tw, 0) || math.IsInf(th, 0) {
		return nil, fmt.Errorf("degenerate reprojected extent %v", tb)
	}
	res := math.Sqrt(tw * th / float64(sg.Pixels()))
	width := max(1, int(math.Ceil(tw/res)))
	height := max(1, int(math.Ceil(th/res)))

	geom := sg
	geom.CRS = targetCRS
	geom.Transform = raster.Transform{tb.Min[0], tw / float64(width), 0, tb.Max[1], 0, -th / float64(height)}
	geom.Width, geom.Height = width, height
	geom.Overviews = 0
	return &warpedHandle{
		src:    src,
		geom:   geom,
		toSrc:  toSrc,
		srcInv: srcInv,
		rs:     rs,
	}, nil
}

func (w *warpedHandle) Geometry() raster.Geometry { return w.geom }

func (w *warpedHandle) Close() error { return w.src.Close() }

// ReadWindow reads the source area covering win into an intermediate grid
// at roughly twice the output resolution using rs, then samples that grid at
// each reprojected output pixel centre with the resampling of the view.
func (w *warpedHandle) ReadWindow(ctx context.Context, win raster.Window, outWidth, outHeight int, rs raster.Resampling, band int) (raster.Block, error) {
	if outWidth <= 0 || outHeight <= 0 {
		return raster.Block{}, fmt.Errorf("invalid output size %dx%d", outWidth, outHeight)
	}
	sg := w.src.Geometry()

	// Source pixel coordinates of every output pixel centre.
	n := outWidth * outHeight
	sx, sy := make([]float64, n), make([]float64, n)
	minC, minR := math.Inf(1), math.Inf(1)
	maxC, maxR := math.Inf(-1), math.Inf(-1)
	stepX, stepY := win.Width/float64(outWidth), win.Height/float64(outHeight)
	for j := 0; j < outHeight; j++ {
		for i := 0; i < outWidth; i++ {
			x, y := w.geom.Transform.Apply(win.ColOff+(float64(i)+0.5)*stepX, win.RowOff+(float64(j)+0.5)*stepY)
			p := w.toSrc(orb.Point{x, y})
			c, r := w.srcInv.Apply(p[0], p[1])
			k := j*outWidth + i
			sx[k], sy[k] = c, r
			minC, maxC = math.Min(minC, c), math.Max(maxC, c)
			minR, maxR = math.Min(minR, r), math.Max(maxR, r)
		}
	}
	out := raster.NewBlock(outWidth, outHeight)
	if maxC < 0 || maxR < 0 || minC >= float64(sg.Width) || minR >= float64(sg.Height) {
		return out, nil
	}

	c0 := math.Max(math.Floor(minC)-1, 0)
	r0 := math.Max(math.Floor(minR)-1, 0)
	c1 := math.Min(math.Ceil(maxC)+1, float64(sg.Width))
	r1 := math.Min(math.Ceil(maxR)+1, float64(sg.Height))
	srcWin := raster.Window{ColOff: c0, RowOff: r0, Width: c1 - c0, Height: r1 - r0}

	gw := int(math.Min(srcWin.Width, float64(2*outWidth)))
	gh := int(math.Min(srcWin.Height, float64(2*outHeight)))
	gw, gh = max(gw, 1), max(gh, 1)
	grid, err := w.src.ReadWindow(ctx, srcWin, gw, gh, rs, band)
	if err != nil {
		return raster.Block{}, err
	}

	// Sample the intermediate grid, one output pixel at a time.
	gx, gy := float64(gw)/srcWin.Width, float64(gh)/srcWin.Height
	sampling := raster.Nearest
	if w.rs == raster.Bilinear || w.rs == raster.Cubic {
		sampling = w.rs
	}
	for k := 0; k < n; k++ {
		if sx[k] < 0 || sy[k] < 0 || sx[k] >= float64(sg.Width) || sy[k] >= float64(sg.Height) {
			continue
		}
		if v, ok := grid.Sample((sx[k]-c0)*gx, (sy[k]-r0)*gy, sampling); ok {
			out.Values[k] = v
			out.Mask[k] = true
		}
	}
	return out, nil
}

var _ raster.Handle = (*warpedHandle)(nil)
