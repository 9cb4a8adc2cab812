// Package rastertest provides an in-memory raster.Codec that counts reads,
// for tests of code built on the codec interface.
package rastertest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/jkgeo/terracotta/raster"
)

// ErrMissing is returned by Open for refs that were never added.
var ErrMissing = errors.New("no such raster")

// Raster is a single band raster held in memory.
type Raster struct {
	Geometry raster.Geometry
	Data     raster.Block
}

// Gradient returns a width x height raster in EPSG:3857 covering the whole
// Mercator square, whose value at (col, row) is col + row.
func Gradient(width, height int) Raster {
	const extent = 20037508.342789244
	b := raster.NewBlock(width, height)
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			b.Values[j*width+i] = float64(i + j)
			b.Mask[j*width+i] = true
		}
	}
	return Raster{
		Geometry: raster.Geometry{
			CRS: raster.EPSG3857,
			Transform: raster.Transform{
				-extent, 2 * extent / float64(width), 0,
				extent, 0, -2 * extent / float64(height),
			},
			Width:       width,
			Height:      height,
			BandCount:   1,
			DataType:    raster.Float64,
			BlockWidth:  min(width, 256),
			BlockHeight: min(height, 256),
		},
		Data: b,
	}
}

// Codec is an in-memory raster.Codec. The zero value is not usable; use
// NewCodec.
type Codec struct {
	mu      sync.Mutex
	rasters map[string]Raster
	// ProbeErr maps a compression to the error its trial round trip fails
	// with.
	ProbeErr map[raster.Compression]error
	// FailRead makes every ReadWindow on the ref fail.
	FailRead map[string]error

	reads  atomic.Int64
	opens  atomic.Int64
	probes atomic.Int64
	closes atomic.Int64
}

// NewCodec returns an empty codec.
func NewCodec() *Codec {
	return &Codec{
		rasters:  make(map[string]Raster),
		ProbeErr: make(map[raster.Compression]error),
		FailRead: make(map[string]error),
	}
}

// Add registers r under ref.
func (c *Codec) Add(ref string, r Raster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rasters[ref] = r
}

// Reads returns the number of ReadWindow calls on any handle.
func (c *Codec) Reads() int64 { return c.reads.Load() }

// Opens returns the number of successful Open calls.
func (c *Codec) Opens() int64 { return c.opens.Load() }

// Closes returns the number of handles closed.
func (c *Codec) Closes() int64 { return c.closes.Load() }

// Probes returns the number of Probe calls.
func (c *Codec) Probes() int64 { return c.probes.Load() }

// Open returns a handle on the raster added under ref.
func (c *Codec) Open(_ context.Context, ref string) (raster.Handle, error) {
	c.mu.Lock()
	r, ok := c.rasters[ref]
	failRead := c.FailRead[ref]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s: %w", raster.ErrUnrecognizedFormat, ref, ErrMissing)
	}
	c.opens.Add(1)
	return &handle{codec: c, r: r, failRead: failRead}, nil
}

// WarpView returns h unchanged; the stub only holds rasters that are
// already in the target CRS.
func (c *Codec) WarpView(h raster.Handle, targetCRS int, _ raster.Resampling) (raster.Handle, error) {
	if crs := h.Geometry().CRS; crs != targetCRS && crs != 0 {
		return nil, fmt.Errorf("%w: stub cannot warp EPSG:%d", raster.ErrUnsupportedCRS, crs)
	}
	return h, nil
}

// Create is not supported by the stub.
func (c *Codec) Create(context.Context, raster.Profile, raster.Staging) (raster.Writer, error) {
	return nil, errors.New("rastertest: Create is not supported")
}

// Probe fails with the configured ProbeErr for cmp.
func (c *Codec) Probe(cmp raster.Compression) error {
	c.probes.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ProbeErr[cmp]
}

type handle struct {
	codec    *Codec
	r        Raster
	failRead error
}

func (h *handle) Geometry() raster.Geometry { return h.r.Geometry }

func (h *handle) ReadWindow(_ context.Context, w raster.Window, outWidth, outHeight int, rs raster.Resampling, band int) (raster.Block, error) {
	h.codec.reads.Add(1)
	if h.failRead != nil {
		return raster.Block{}, h.failRead
	}
	if band != 1 {
		return raster.Block{}, fmt.Errorf("band %d out of range", band)
	}
	if outWidth <= 0 || outHeight <= 0 || math.IsNaN(w.Width) {
		return raster.Block{}, fmt.Errorf("invalid read of window %s", w)
	}
	return raster.Resample(h.r.Data, w.ColOff, w.RowOff, w.Width/float64(outWidth), w.Height/float64(outHeight), outWidth, outHeight, rs), nil
}

func (h *handle) Close() error {
	h.codec.closes.Add(1)
	return nil
}

var _ raster.Codec = (*Codec)(nil)
