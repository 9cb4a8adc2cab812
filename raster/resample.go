package raster

import "math"

// Resample samples src onto an outWidth x outHeight grid. Output pixel (i, j)
// has its centre at (x0 + (i+0.5)*scaleX, y0 + (j+0.5)*scaleY) in src pixel
// coordinates. Output pixels whose centre falls outside src are masked.
func Resample(src Block, x0, y0, scaleX, scaleY float64, outWidth, outHeight int, rs Resampling) Block {
	out := NewBlock(outWidth, outHeight)
	for j := 0; j < outHeight; j++ {
		cy := y0 + (float64(j)+0.5)*scaleY
		for i := 0; i < outWidth; i++ {
			cx := x0 + (float64(i)+0.5)*scaleX
			var (
				v  float64
				ok bool
			)
			if rs == Average {
				v, ok = src.average(cx, cy, scaleX, scaleY)
			} else {
				v, ok = src.Sample(cx, cy, rs)
			}
			if ok {
				k := j*outWidth + i
				out.Values[k] = v
				out.Mask[k] = true
			}
		}
	}
	return out
}

// Sample returns the value at the point (cx, cy) in pixel coordinates.
// Average sampling of a single point is the nearest pixel.
func (b Block) Sample(cx, cy float64, rs Resampling) (float64, bool) {
	switch rs {
	case Bilinear:
		return b.interpolate(cx, cy, 1, linearWeight)
	case Cubic:
		return b.interpolate(cx, cy, 2, cubicWeight)
	}
	return b.nearest(cx, cy)
}

func (b Block) at(col, row int) (float64, bool) {
	if col < 0 || row < 0 || col >= b.Width || row >= b.Height {
		return 0, false
	}
	k := row*b.Width + col
	return b.Values[k], b.Mask[k]
}

func (b Block) nearest(cx, cy float64) (float64, bool) {
	return b.at(int(math.Floor(cx)), int(math.Floor(cy)))
}

// average takes the mean of the valid pixels whose centres fall inside the
// output pixel footprint, falling back to the nearest pixel for footprints
// smaller than one source pixel.
func (b Block) average(cx, cy, sx, sy float64) (float64, bool) {
	c0 := int(math.Ceil(cx - sx/2 - 0.5))
	c1 := int(math.Ceil(cx + sx/2 - 0.5))
	r0 := int(math.Ceil(cy - sy/2 - 0.5))
	r1 := int(math.Ceil(cy + sy/2 - 0.5))
	if c1 <= c0 || r1 <= r0 {
		return b.nearest(cx, cy)
	}
	var sum float64
	var n int
	for r := max(r0, 0); r < min(r1, b.Height); r++ {
		for c := max(c0, 0); c < min(c1, b.Width); c++ {
			k := r*b.Width + c
			if b.Mask[k] {
				sum += b.Values[k]
				n++
			}
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// interpolate applies a separable kernel of the given radius around (cx, cy).
// The nearest pixel decides validity; weights of masked neighbours are
// dropped and the rest renormalised.
func (b Block) interpolate(cx, cy float64, radius int, weight func(float64) float64) (float64, bool) {
	nv, ok := b.nearest(cx, cy)
	if !ok {
		return 0, false
	}
	fx, fy := cx-0.5, cy-0.5
	ix, iy := int(math.Floor(fx)), int(math.Floor(fy))
	var sum, wsum float64
	for r := iy - radius + 1; r <= iy+radius; r++ {
		wy := weight(fy - float64(r))
		if wy == 0 {
			continue
		}
		rr := min(max(r, 0), b.Height-1)
		for c := ix - radius + 1; c <= ix+radius; c++ {
			wx := weight(fx - float64(c))
			if wx == 0 {
				continue
			}
			cc := min(max(c, 0), b.Width-1)
			k := rr*b.Width + cc
			if !b.Mask[k] {
				continue
			}
			w := wx * wy
			sum += w * b.Values[k]
			wsum += w
		}
	}
	if math.Abs(wsum) < 1e-9 {
		return nv, true
	}
	return sum / wsum, true
}

func linearWeight(d float64) float64 {
	d = math.Abs(d)
	if d >= 1 {
		return 0
	}
	return 1 - d
}

// cubicWeight is the Catmull-Rom kernel.
func cubicWeight(d float64) float64 {
	d = math.Abs(d)
	switch {
	case d < 1:
		return 1.5*d*d*d - 2.5*d*d + 1
	case d < 2:
		return -0.5*d*d*d + 2.5*d*d - 4*d + 2
	}
	return 0
}
