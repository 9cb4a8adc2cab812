// Package raster defines the capability interface the tile and optimizer
// pipelines use to talk to a raster codec, along with the geometry, window
// and pixel block types shared by every package.
package raster

import (
	"context"
	"fmt"
	"strings"
)

// DataType is the sample type of a raster band.
type DataType uint8

const (
	Uint8 DataType = iota + 1
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
)

var dataTypeNames = map[DataType]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
}

func (d DataType) String() string {
	if n, ok := dataTypeNames[d]; ok {
		return n
	}
	return fmt.Sprintf("datatype(%d)", d)
}

// Size returns the number of bytes of one sample.
func (d DataType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Resampling selects how source pixels are combined when a window is read at
// a size different from its native resolution.
type Resampling uint8

const (
	Nearest Resampling = iota
	Bilinear
	Cubic
	Average
)

var resamplingNames = [...]string{"nearest", "bilinear", "cubic", "average"}

func (r Resampling) String() string {
	if int(r) < len(resamplingNames) {
		return resamplingNames[r]
	}
	return fmt.Sprintf("resampling(%d)", r)
}

// ParseResampling maps a method name to a Resampling.
func ParseResampling(s string) (Resampling, error) {
	for i, n := range resamplingNames {
		if strings.EqualFold(s, n) {
			return Resampling(i), nil
		}
	}
	return 0, fmt.Errorf("unknown resampling method %q", s)
}

// Compression is a block compression codec name.
type Compression string

const (
	CompressionAuto    Compression = "auto"
	CompressionNone    Compression = "none"
	CompressionDeflate Compression = "deflate"
	CompressionLZW     Compression = "lzw"
	CompressionZstd    Compression = "zstd"
)

// ParseCompression validates a compression name.
func ParseCompression(s string) (Compression, error) {
	c := Compression(strings.ToLower(s))
	switch c {
	case CompressionAuto, CompressionNone, CompressionDeflate, CompressionLZW, CompressionZstd:
		return c, nil
	case "":
		return CompressionAuto, nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

// Geometry describes the grid of an opened raster.
type Geometry struct {
	CRS         int // EPSG code, 0 when unknown
	Transform   Transform
	Width       int
	Height      int
	BandCount   int
	NoData      *float64
	DataType    DataType
	BlockWidth  int
	BlockHeight int
	Overviews   int
}

// Pixels returns the number of pixels of one band.
func (g Geometry) Pixels() int64 { return int64(g.Width) * int64(g.Height) }

// Bounds returns the extent of the grid in its own CRS.
func (g Geometry) Bounds() (minX, minY, maxX, maxY float64) {
	return g.Transform.Bounds(float64(g.Width), float64(g.Height))
}

// Block is a rectangular array of pixel values with its validity mask.
// Values and Mask are row-major and have Width*Height elements.
type Block struct {
	Width  int
	Height int
	Values []float64
	Mask   []bool
}

// NewBlock allocates a fully masked block.
func NewBlock(width, height int) Block {
	n := width * height
	return Block{
		Width:  width,
		Height: height,
		Values: make([]float64, n),
		Mask:   make([]bool, n),
	}
}

// Size returns the decompressed in-memory footprint of the block in bytes.
func (b Block) Size() int64 {
	return int64(len(b.Values))*8 + int64(len(b.Mask)) + 16
}

// Valid reports whether any pixel of the block is valid.
func (b Block) Valid() bool {
	for _, m := range b.Mask {
		if m {
			return true
		}
	}
	return false
}

// Handle is an opened raster resource.
type Handle interface {
	Geometry() Geometry
	// ReadWindow reads band (1-based) over the window, resampled to
	// outWidth x outHeight. Pixels outside the raster are masked.
	ReadWindow(ctx context.Context, w Window, outWidth, outHeight int, rs Resampling, band int) (Block, error)
	Close() error
}

// Profile describes a raster to be created by a Writer.
type Profile struct {
	Width     int
	Height    int
	BlockSize int
	DataType  DataType
	CRS       int
	Transform Transform
	NoData    *float64
}

// Staging selects where a Writer keeps blocks before they are finalized.
type Staging struct {
	InMemory bool
	TempDir  string
}

// Writer receives blocks for a new single band raster and lays them out on
// disk when finalized.
type Writer interface {
	WriteBlock(ctx context.Context, w Window, b Block) error
	BuildOverviews(ctx context.Context, levels int, rs Resampling) error
	Finalize(ctx context.Context, path string, c Compression) error
	Close() error
}

// Codec opens, reprojects and creates rasters.
type Codec interface {
	Open(ctx context.Context, ref string) (Handle, error)
	WarpView(h Handle, targetCRS int, rs Resampling) (Handle, error)
	Create(ctx context.Context, p Profile, s Staging) (Writer, error)
	// Probe performs a trial 1x1 write and read back with the given
	// compression and fails if the round trip does not succeed.
	Probe(c Compression) error
}
