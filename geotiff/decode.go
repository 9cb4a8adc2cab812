package geotiff

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"

	"github.com/jkgeo/terracotta/raster"
)

// zstdDecoder is shared by every file; DecodeAll is safe for concurrent use.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// blockTTL only needs to outlive a burst of window reads over the same area.
const blockTTL = 10 * time.Minute

// strile returns the decoded samples of one tile or strip. Chunky
// multi-sample blocks keep their samples interleaved; masks decode to 0/1.
func (g *GeoTIFF) strile(im *image, level int, idx int) ([]float64, error) {
	key := fmt.Sprintf("%d/%t/%d", level, im.isMask(), idx)
	if item := g.blockCache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := g.inflight.Do(key, func() (interface{}, error) {
		raw, err := g.fetchAndDecompress(im, idx)
		if err != nil {
			return nil, err
		}
		data, err := im.decodeSamples(raw, idx, g.byteOrder)
		if err != nil {
			return nil, err
		}
		g.blockCache.Set(key, data, blockTTL)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

// fetchAndDecompress performs the I/O to read and decompress a single strile.
func (g *GeoTIFF) fetchAndDecompress(im *image, idx int) ([]byte, error) {
	if idx >= len(im.offsets) {
		return nil, fmt.Errorf("strile index %d out of bounds", idx)
	}
	offset, byteCount := im.offsets[idx], im.byteCounts[idx]
	if byteCount == 0 {
		// Sparse block: GDAL omits blocks that hold only nodata.
		return nil, nil
	}
	compressed := make([]byte, byteCount)
	readerAt := g.reader.(io.ReaderAt)
	if _, err := readerAt.ReadAt(compressed, int64(offset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read strile %d from source: %w", idx, err)
	}
	return decompress(im.compression, compressed)
}

func decompress(compression uint16, data []byte) ([]byte, error) {
	switch compression {
	case Uncompressed:
		return data, nil
	case DEFLATE, AdobeDEFLATE:
		z, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader: %w", err)
		}
		defer z.Close()
		out, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to inflate block: %w", err)
		}
		return out, nil
	case LZW:
		r := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode lzw block: %w", err)
		}
		return out, nil
	case ZSTD:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decode zstd block: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported compression type: %d", compression)
}

// strileRows is the number of rows actually stored in strile idx; the last
// strip of a plane may be short, tiles are always full.
func (im *image) strileRows(idx int) int {
	if im.tiled {
		return im.blockHeight
	}
	row := (idx % im.blocksPerPlane()) * im.blockHeight
	return min(im.blockHeight, im.height-row)
}

func (im *image) decodeSamples(raw []byte, idx int, order binary.ByteOrder) ([]float64, error) {
	rows := im.strileRows(idx)
	spp := int(im.samplesPerPixel)
	if im.planar == planarSeparate {
		spp = 1
	}
	n := im.blockWidth * rows * spp
	out := make([]float64, n)
	if raw == nil {
		if !im.isMask() {
			for i := range out {
				out[i] = math.NaN()
			}
		}
		return out, nil
	}

	if im.bitsPerSample == 1 {
		rowBytes := (im.blockWidth*spp + 7) / 8
		if len(raw) < rowBytes*rows {
			return nil, fmt.Errorf("short bilevel block: %d bytes for %d rows", len(raw), rows)
		}
		for r := 0; r < rows; r++ {
			line := raw[r*rowBytes:]
			for c := 0; c < im.blockWidth*spp; c++ {
				if line[c/8]&(0x80>>(c%8)) != 0 {
					out[r*im.blockWidth*spp+c] = 1
				}
			}
		}
		return out, nil
	}

	size := int(im.bitsPerSample / 8)
	if len(raw) < n*size {
		return nil, fmt.Errorf("short block: %d bytes, want %d", len(raw), n*size)
	}
	if im.predictor == PredictorHorizontal {
		undoHorizontalPrediction(raw, im.blockWidth, rows, spp, size, order)
	} else if im.predictor == PredictorFloat {
		return nil, errors.New("floating point predictor is not supported")
	}

	dt, err := im.dataType()
	if err != nil {
		if !im.isMask() {
			return nil, err
		}
		dt = raster.Uint8
	}
	for i := 0; i < n; i++ {
		out[i] = decodeSample(raw[i*size:], dt, order)
	}
	return out, nil
}

func decodeSample(b []byte, dt raster.DataType, order binary.ByteOrder) float64 {
	switch dt {
	case raster.Uint8:
		return float64(b[0])
	case raster.Int8:
		return float64(int8(b[0]))
	case raster.Uint16:
		return float64(order.Uint16(b))
	case raster.Int16:
		return float64(int16(order.Uint16(b)))
	case raster.Uint32:
		return float64(order.Uint32(b))
	case raster.Int32:
		return float64(int32(order.Uint32(b)))
	case raster.Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case raster.Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return math.NaN()
}

// undoHorizontalPrediction reverses the horizontal differencing predictor
// in place. Differences are taken per sample with integer wraparound.
func undoHorizontalPrediction(raw []byte, width, rows, spp, size int, order binary.ByteOrder) {
	stride := width * spp * size
	for r := 0; r < rows; r++ {
		row := raw[r*stride : (r+1)*stride]
		for i := spp; i < width*spp; i++ {
			cur, prev := row[i*size:], row[(i-spp)*size:]
			switch size {
			case 1:
				cur[0] += prev[0]
			case 2:
				order.PutUint16(cur, order.Uint16(cur)+order.Uint16(prev))
			case 4:
				order.PutUint32(cur, order.Uint32(cur)+order.Uint32(prev))
			case 8:
				order.PutUint64(cur, order.Uint64(cur)+order.Uint64(prev))
			}
		}
	}
}

// readRegion assembles band (1-based) of level over the pixel rectangle
// [col, col+width) x [row, row+height) into a block. Nodata, NaN, masked and
// out of image pixels are invalid.
func (g *GeoTIFF) readRegion(ctx context.Context, level, band, col, row, width, height int) (raster.Block, error) {
	im := g.levels[level]
	out := raster.NewBlock(width, height)

	c0, r0 := max(col, 0), max(row, 0)
	c1, r1 := min(col+width, im.width), min(row+height, im.height)
	if c0 >= c1 || r0 >= r1 {
		return out, nil
	}

	spp := int(im.samplesPerPixel)
	sample, plane := band-1, 0
	if im.planar == planarSeparate {
		sample, plane, spp = 0, band-1, 1
	}
	nodata := g.geom.NoData

	for by := r0 / im.blockHeight; by <= (r1-1)/im.blockHeight; by++ {
		for bx := c0 / im.blockWidth; bx <= (c1-1)/im.blockWidth; bx++ {
			if err := ctx.Err(); err != nil {
				return raster.Block{}, err
			}
			idx := plane*im.blocksPerPlane() + by*im.blocksAcross + bx
			data, err := g.strile(im, level, idx)
			if err != nil {
				return raster.Block{}, err
			}
			var mask []float64
			if im.mask != nil {
				if mask, err = g.strile(im.mask, level, by*im.mask.blocksAcross+bx); err != nil {
					return raster.Block{}, err
				}
			}

			bc0, br0 := bx*im.blockWidth, by*im.blockHeight
			for y := max(r0, br0); y < min(r1, br0+im.blockHeight); y++ {
				for x := max(c0, bc0); x < min(c1, bc0+im.blockWidth); x++ {
					p := (y-br0)*im.blockWidth + (x - bc0)
					v := data[p*spp+sample]
					if math.IsNaN(v) || (nodata != nil && (v == *nodata || (math.IsNaN(*nodata) && math.IsNaN(v)))) {
						continue
					}
					if mask != nil && p < len(mask) && mask[p] == 0 {
						continue
					}
					k := (y-row)*width + (x - col)
					out.Values[k] = v
					out.Mask[k] = true
				}
			}
		}
	}
	return out, nil
}
