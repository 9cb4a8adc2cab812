// Package render turns raster blocks into PNG tiles.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jkgeo/terracotta/raster"
)

var encodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "terracotta_png_encode_seconds",
	Help:    "Time spent encoding tiles to PNG",
	Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
})

// PNGLevel converts a zlib style level (0 none, 1 fastest, 9 best) to a
// png.CompressionLevel.
func PNGLevel(level int) png.CompressionLevel {
	switch {
	case level < 0:
		return png.DefaultCompression
	case level == 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level >= 8:
		return png.BestCompression
	}
	return png.DefaultCompression
}

type bufferPool struct{ sync.Pool }

func (p *bufferPool) Get() *png.EncoderBuffer {
	b, _ := p.Pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *bufferPool) Put(b *png.EncoderBuffer) { p.Pool.Put(b) }

// Renderer encodes tiles. It is safe for concurrent use.
type Renderer struct {
	encoder png.Encoder
	buffers sync.Pool
}

// NewRenderer returns a Renderer using the given PNG compression level.
func NewRenderer(level png.CompressionLevel) *Renderer {
	r := &Renderer{
		buffers: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
	r.encoder = png.Encoder{CompressionLevel: level, BufferPool: &bufferPool{}}
	return r
}

// Singleband colours visual values through cm, or as grey levels when cm is
// nil. Value 0 is transparent.
func (r *Renderer) Singleband(vis []uint8, width, height int, cm *Colormap) ([]byte, error) {
	if len(vis) != width*height {
		return nil, fmt.Errorf("%d values for a %dx%d tile", len(vis), width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, v := range vis {
		if v == 0 {
			continue
		}
		var c color.RGBA
		if cm != nil {
			c = cm.At(v)
		} else {
			c = color.RGBA{v, v, v, 255}
		}
		copy(img.Pix[4*i:4*i+4], []uint8{c.R, c.G, c.B, c.A})
	}
	return r.encode(img)
}

// Values colours raw values through table. Only integral values in 0..255
// can match an entry; masked and unmapped pixels are transparent.
func (r *Renderer) Values(b raster.Block, table map[uint8]color.RGBA) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))
	for i, v := range b.Values {
		if !b.Mask[i] || v != math.Trunc(v) || v < 0 || v > 255 {
			continue
		}
		c, ok := table[uint8(v)]
		if !ok {
			continue
		}
		copy(img.Pix[4*i:4*i+4], []uint8{c.R, c.G, c.B, c.A})
	}
	return r.encode(img)
}

// RGB stacks three visual bands. A pixel is opaque only when all three
// bands are valid.
func (r *Renderer) RGB(red, green, blue []uint8, width, height int) ([]byte, error) {
	n := width * height
	if len(red) != n || len(green) != n || len(blue) != n {
		return nil, fmt.Errorf("band sizes %d/%d/%d for a %dx%d tile", len(red), len(green), len(blue), width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < n; i++ {
		if red[i] == 0 || green[i] == 0 || blue[i] == 0 {
			continue
		}
		copy(img.Pix[4*i:4*i+4], []uint8{red[i], green[i], blue[i], 255})
	}
	return r.encode(img)
}

func (r *Renderer) encode(img image.Image) ([]byte, error) {
	start := time.Now()
	buf := r.buffers.Get().(*bytes.Buffer)
	buf.Reset()
	defer r.buffers.Put(buf)

	if err := r.encoder.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	encodeDuration.Observe(time.Since(start).Seconds())
	return bytes.Clone(buf.Bytes()), nil
}
