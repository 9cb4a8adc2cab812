package raster

import (
	"errors"
	"fmt"
	"math"
)

// Window is a rectangular region of a pixel grid. Offsets and sizes may be
// fractional when a window comes from a geographic extent.
type Window struct {
	ColOff float64
	RowOff float64
	Width  float64
	Height float64
}

// FullWindow covers a whole grid.
func FullWindow(width, height int) Window {
	return Window{Width: float64(width), Height: float64(height)}
}

func (w Window) String() string {
	return fmt.Sprintf("[%g,%g %gx%g]", w.ColOff, w.RowOff, w.Width, w.Height)
}

// Int returns the integer offsets and size of a block-aligned window.
func (w Window) Int() (col, row, width, height int) {
	return int(w.ColOff), int(w.RowOff), int(w.Width), int(w.Height)
}

// Intersects reports whether the window overlaps a width x height grid.
func (w Window) Intersects(width, height int) bool {
	return w.ColOff < float64(width) && w.RowOff < float64(height) &&
		w.ColOff+w.Width > 0 && w.RowOff+w.Height > 0
}

// BlockWindows splits a width x height grid into row-major windows of at most
// size x size pixels. Edge windows are clipped to the grid.
func BlockWindows(width, height, size int) []Window {
	if width <= 0 || height <= 0 || size <= 0 {
		return nil
	}
	nx := (width + size - 1) / size
	ny := (height + size - 1) / size
	out := make([]Window, 0, nx*ny)
	for by := 0; by < ny; by++ {
		for bx := 0; bx < nx; bx++ {
			col, row := bx*size, by*size
			out = append(out, Window{
				ColOff: float64(col),
				RowOff: float64(row),
				Width:  float64(min(size, width-col)),
				Height: float64(min(size, height-row)),
			})
		}
	}
	return out
}

// Transform is an affine geotransform in GDAL order:
// x = T[0] + col*T[1] + row*T[2], y = T[3] + col*T[4] + row*T[5].
type Transform [6]float64

// IdentityTransform maps pixel coordinates to themselves with y growing down.
var IdentityTransform = Transform{0, 1, 0, 0, 0, 1}

// Apply maps pixel coordinates to CRS coordinates.
func (t Transform) Apply(col, row float64) (x, y float64) {
	return t[0] + col*t[1] + row*t[2], t[3] + col*t[4] + row*t[5]
}

// Invert returns the transform mapping CRS coordinates to pixel coordinates.
func (t Transform) Invert() (Transform, error) {
	det := t[1]*t[5] - t[2]*t[4]
	if det == 0 || math.IsNaN(det) {
		return Transform{}, errors.New("transform is not invertible")
	}
	inv := Transform{}
	inv[1] = t[5] / det
	inv[2] = -t[2] / det
	inv[4] = -t[4] / det
	inv[5] = t[1] / det
	inv[0] = -(inv[1]*t[0] + inv[2]*t[3])
	inv[3] = -(inv[4]*t[0] + inv[5]*t[3])
	return inv, nil
}

// Scale returns a transform for the same extent on a grid whose pixels are
// fx and fy times larger.
func (t Transform) Scale(fx, fy float64) Transform {
	return Transform{t[0], t[1] * fx, t[2] * fy, t[3], t[4] * fx, t[5] * fy}
}

// Bounds returns the CRS extent of a width x height grid.
func (t Transform) Bounds(width, height float64) (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, c := range [4][2]float64{{0, 0}, {width, 0}, {0, height}, {width, height}} {
		x, y := t.Apply(c[0], c[1])
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return minX, minY, maxX, maxY
}

// NorthUp reports whether the transform has no rotation terms.
func (t Transform) NorthUp() bool { return t[2] == 0 && t[4] == 0 }
