package geotiff

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/jkgeo/terracotta/raster"
)

// WriterOptions sets the encoder levels used when a file is finalized.
type WriterOptions struct {
	DeflateLevel int
	ZstdLevel    int
}

// DefaultWriterOptions matches the usual COG creation profile.
var DefaultWriterOptions = WriterOptions{DeflateLevel: 1, ZstdLevel: 9}

type levelGrid struct {
	width, height int
	across, down  int
}

// Writer builds a single band tiled GeoTIFF with an internal mask and an
// overview pyramid, laid out cloud optimized on Finalize.
type Writer struct {
	profile raster.Profile
	opts    WriterOptions
	staging raster.Staging
	stage   stage
	levels  []levelGrid
	rs      raster.Resampling
	rsSet   bool
	closed  bool
}

// NewWriter allocates a writer for p. Block size must be a multiple of 16.
func NewWriter(p raster.Profile, s raster.Staging, opts WriterOptions) (*Writer, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%d", p.Width, p.Height)
	}
	if p.BlockSize <= 0 || p.BlockSize%16 != 0 {
		return nil, fmt.Errorf("block size %d is not a positive multiple of 16", p.BlockSize)
	}
	if p.DataType.Size() == 0 {
		return nil, fmt.Errorf("unsupported data type %s", p.DataType)
	}
	w := &Writer{profile: p, opts: opts, staging: s}
	w.levels = []levelGrid{w.grid(p.Width, p.Height)}
	if s.InMemory {
		w.stage = newMemStage()
	} else {
		st, err := newFileStage(s.TempDir)
		if err != nil {
			return nil, err
		}
		w.stage = st
	}
	return w, nil
}

func (w *Writer) grid(width, height int) levelGrid {
	bs := w.profile.BlockSize
	return levelGrid{width: width, height: height, across: (width + bs - 1) / bs, down: (height + bs - 1) / bs}
}

// WriteBlock stores the block at a block aligned window of the full
// resolution image. Masked pixels are written as nodata.
func (w *Writer) WriteBlock(ctx context.Context, win raster.Window, b raster.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	col, row, width, height := win.Int()
	bs := w.profile.BlockSize
	lg := w.levels[0]
	if col%bs != 0 || row%bs != 0 || col >= lg.width || row >= lg.height {
		return fmt.Errorf("window %s is not aligned to the %d pixel block grid", win, bs)
	}
	if b.Width != width || b.Height != height || width > bs || height > bs {
		return fmt.Errorf("block of %dx%d does not match window %s", b.Width, b.Height, win)
	}
	full := raster.NewBlock(bs, bs)
	for y := 0; y < height; y++ {
		copy(full.Values[y*bs:y*bs+width], b.Values[y*width:(y+1)*width])
		copy(full.Mask[y*bs:y*bs+width], b.Mask[y*width:(y+1)*width])
	}
	idx := (row/bs)*lg.across + col/bs
	return w.stage.put(blockKey{0, idx}, w.encodeRaw(full))
}

// BuildOverviews derives levels power of two reductions, each from the
// previous one, with rs. The method is recorded in the file metadata.
func (w *Writer) BuildOverviews(ctx context.Context, levels int, rs raster.Resampling) error {
	w.levels = w.levels[:1]
	w.rs, w.rsSet = rs, true
	bs := w.profile.BlockSize
	for l := 1; l <= levels; l++ {
		prev := w.levels[l-1]
		lg := w.grid((prev.width+1)/2, (prev.height+1)/2)
		w.levels = append(w.levels, lg)
		for by := 0; by < lg.down; by++ {
			for bx := 0; bx < lg.across; bx++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				// Source area in the previous level, padded for kernels.
				c0, r0 := 2*bx*bs-kernelPad, 2*by*bs-kernelPad
				src, err := w.readLevel(l-1, c0, r0, 2*bs+2*kernelPad, 2*bs+2*kernelPad)
				if err != nil {
					return err
				}
				ow := min(bs, lg.width-bx*bs)
				oh := min(bs, lg.height-by*bs)
				part := raster.Resample(src, kernelPad, kernelPad, 2, 2, ow, oh, rs)
				full := raster.NewBlock(bs, bs)
				for y := 0; y < oh; y++ {
					copy(full.Values[y*bs:y*bs+ow], part.Values[y*ow:(y+1)*ow])
					copy(full.Mask[y*bs:y*bs+ow], part.Mask[y*ow:(y+1)*ow])
				}
				if err := w.stage.put(blockKey{l, by*lg.across + bx}, w.encodeRaw(full)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// readLevel assembles a region of a staged level; missing blocks and
// pixels outside the level are masked.
func (w *Writer) readLevel(level, col, row, width, height int) (raster.Block, error) {
	out := raster.NewBlock(width, height)
	lg := w.levels[level]
	bs := w.profile.BlockSize
	c0, r0 := max(col, 0), max(row, 0)
	c1, r1 := min(col+width, lg.width), min(row+height, lg.height)
	for by := r0 / bs; r0 < r1 && by <= (r1-1)/bs; by++ {
		for bx := c0 / bs; c0 < c1 && bx <= (c1-1)/bs; bx++ {
			raw, ok, err := w.stage.get(blockKey{level, by*lg.across + bx})
			if err != nil {
				return raster.Block{}, err
			}
			if !ok {
				continue
			}
			b := w.decodeRaw(raw)
			for y := max(r0, by*bs); y < min(r1, (by+1)*bs); y++ {
				for x := max(c0, bx*bs); x < min(c1, (bx+1)*bs); x++ {
					src := (y-by*bs)*bs + (x - bx*bs)
					dst := (y-row)*width + (x - col)
					out.Values[dst] = b.Values[src]
					out.Mask[dst] = b.Mask[src]
				}
			}
		}
	}
	return out, nil
}

// encodeRaw packs a full block as little endian samples followed by one
// mask byte per pixel.
func (w *Writer) encodeRaw(b raster.Block) []byte {
	dt := w.profile.DataType
	size := dt.Size()
	n := len(b.Values)
	buf := make([]byte, n*(size+1))
	fill := 0.0
	if w.profile.NoData != nil {
		fill = *w.profile.NoData
	}
	for i, v := range b.Values {
		if !b.Mask[i] {
			v = fill
		}
		encodeSample(buf[i*size:], dt, v)
		if b.Mask[i] {
			buf[n*size+i] = 1
		}
	}
	return buf
}

func (w *Writer) decodeRaw(raw []byte) raster.Block {
	dt := w.profile.DataType
	size := dt.Size()
	bs := w.profile.BlockSize
	b := raster.NewBlock(bs, bs)
	n := bs * bs
	for i := 0; i < n; i++ {
		b.Values[i] = decodeSample(raw[i*size:], dt, le)
		b.Mask[i] = raw[n*size+i] != 0
	}
	return b
}

// encodeSample stores v in the data type, rounding and saturating integers.
func encodeSample(b []byte, dt raster.DataType, v float64) {
	clamp := func(lo, hi float64) float64 {
		if math.IsNaN(v) {
			return 0
		}
		return math.Max(lo, math.Min(hi, math.Round(v)))
	}
	switch dt {
	case raster.Uint8:
		b[0] = uint8(clamp(0, math.MaxUint8))
	case raster.Int8:
		b[0] = uint8(int8(clamp(math.MinInt8, math.MaxInt8)))
	case raster.Uint16:
		le.PutUint16(b, uint16(clamp(0, math.MaxUint16)))
	case raster.Int16:
		le.PutUint16(b, uint16(int16(clamp(math.MinInt16, math.MaxInt16))))
	case raster.Uint32:
		le.PutUint32(b, uint32(clamp(0, math.MaxUint32)))
	case raster.Int32:
		le.PutUint32(b, uint32(int32(clamp(math.MinInt32, math.MaxInt32))))
	case raster.Float32:
		le.PutUint32(b, math.Float32bits(float32(v)))
	case raster.Float64:
		le.PutUint64(b, math.Float64bits(v))
	}
}

func compressionTag(c raster.Compression) (uint16, error) {
	switch c {
	case raster.CompressionNone:
		return Uncompressed, nil
	case raster.CompressionDeflate:
		return DEFLATE, nil
	case raster.CompressionZstd:
		return ZSTD, nil
	case raster.CompressionLZW:
		return 0, errors.New("lzw encoding is not available")
	}
	return 0, fmt.Errorf("compression %q must be resolved before writing", c)
}

// blockEncoder compresses staged blocks for one Finalize call.
type blockEncoder struct {
	tag  uint16
	opts WriterOptions
	zstd *zstd.Encoder
}

func newBlockEncoder(c raster.Compression, opts WriterOptions) (*blockEncoder, error) {
	tag, err := compressionTag(c)
	if err != nil {
		return nil, err
	}
	e := &blockEncoder{tag: tag, opts: opts}
	if tag == ZSTD {
		e.zstd, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.ZstdLevel)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	return e, nil
}

func (e *blockEncoder) encode(data []byte) ([]byte, error) {
	switch e.tag {
	case DEFLATE:
		var buf bytes.Buffer
		z, err := zlib.NewWriterLevel(&buf, e.opts.DeflateLevel)
		if err != nil {
			return nil, err
		}
		if _, err := z.Write(data); err != nil {
			return nil, err
		}
		if err := z.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ZSTD:
		return e.zstd.EncodeAll(data, nil), nil
	}
	return data, nil
}

func (e *blockEncoder) close() {
	if e.zstd != nil {
		e.zstd.Close()
	}
}

// strileSet records where each block of one IFD lands in the payload.
type strileSet struct {
	offsets []uint64
	counts  []uint64
}

// Finalize compresses every block and writes the file to path. All
// directories come first, followed by block data from the smallest overview
// to the full resolution image, each data block followed by its mask block.
// The file is written under a temporary name and renamed into place.
func (w *Writer) Finalize(ctx context.Context, path string, c raster.Compression) error {
	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	err = w.finalizeTo(ctx, bw, c)
	if err == nil {
		err = bw.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (w *Writer) finalizeTo(ctx context.Context, out io.Writer, c raster.Compression) error {
	enc, err := newBlockEncoder(c, w.opts)
	if err != nil {
		return err
	}
	defer enc.close()

	var payload spool
	if w.staging.InMemory {
		payload = &memSpool{}
	} else {
		fs, err := newFileSpool(w.staging.TempDir)
		if err != nil {
			return err
		}
		payload = fs
	}
	defer payload.close()

	data := make([]strileSet, len(w.levels))
	masks := make([]strileSet, len(w.levels))
	for l := len(w.levels) - 1; l >= 0; l-- {
		lg := w.levels[l]
		n := lg.across * lg.down
		data[l] = strileSet{make([]uint64, n), make([]uint64, n)}
		masks[l] = strileSet{make([]uint64, n), make([]uint64, n)}
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, ok, err := w.stage.get(blockKey{l, i})
			if err != nil {
				return err
			}
			if !ok {
				raw = w.encodeRaw(raster.NewBlock(w.profile.BlockSize, w.profile.BlockSize))
			}
			values, mask := w.splitRaw(raw)
			for _, part := range []struct {
				set *strileSet
				buf []byte
			}{{&data[l], values}, {&masks[l], mask}} {
				cbuf, err := enc.encode(part.buf)
				if err != nil {
					return fmt.Errorf("failed to compress block %d of level %d: %w", i, l, err)
				}
				part.set.offsets[i] = uint64(payload.size())
				part.set.counts[i] = uint64(len(cbuf))
				if _, err := payload.Write(cbuf); err != nil {
					return err
				}
			}
		}
	}

	// Directory sizes do not depend on offset values, so lay them out once
	// with zero offsets, then again with the real ones.
	bigtiff := false
	ifds := w.directories(enc.tag, data, masks, bigtiff, 0)
	dirSize := totalSize(ifds)
	if headerSize(false)+dirSize+payload.size() >= math.MaxUint32 {
		bigtiff = true
		ifds = w.directories(enc.tag, data, masks, bigtiff, 0)
		dirSize = totalSize(ifds)
	}
	dataStart := headerSize(bigtiff) + dirSize
	ifds = w.directories(enc.tag, data, masks, bigtiff, uint64(dataStart))

	if err := writeHeader(out, bigtiff, headerSize(bigtiff)); err != nil {
		return err
	}
	at := headerSize(bigtiff)
	for i, ifd := range ifds {
		next := int64(0)
		if i < len(ifds)-1 {
			next = at + ifd.size()
		}
		if err := ifd.write(out, at, next); err != nil {
			return err
		}
		at += ifd.size()
	}
	r, err := payload.reader()
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	return err
}

func totalSize(ifds []*ifdBuilder) int64 {
	var n int64
	for _, ifd := range ifds {
		n += ifd.size()
	}
	return n
}

func (w *Writer) splitRaw(raw []byte) (values, mask []byte) {
	bs := w.profile.BlockSize
	n := bs * bs
	values = raw[:n*w.profile.DataType.Size()]
	rowBytes := (bs + 7) / 8
	mask = make([]byte, rowBytes*bs)
	for i, m := range raw[len(values):] {
		if m != 0 {
			y, x := i/bs, i%bs
			mask[y*rowBytes+x/8] |= 0x80 >> (x % 8)
		}
	}
	return values, mask
}

// directories builds the IFDs in file order: each image followed by its mask,
// from the full resolution image down to the smallest overview.
func (w *Writer) directories(compression uint16, data, masks []strileSet, bigtiff bool, dataStart uint64) []*ifdBuilder {
	p := w.profile
	dt := p.DataType
	bits := uint16(8 * dt.Size())
	format := uint16(SampleFormatUint)
	switch dt {
	case raster.Int8, raster.Int16, raster.Int32:
		format = SampleFormatInt
	case raster.Float32, raster.Float64:
		format = SampleFormatFloat
	}
	abs := func(rel []uint64) []uint64 {
		out := make([]uint64, len(rel))
		for i, v := range rel {
			out[i] = dataStart + v
		}
		return out
	}

	var ifds []*ifdBuilder
	for l, lg := range w.levels {
		img := &ifdBuilder{bigtiff: bigtiff}
		if l > 0 {
			img.longs(NewSubfileType, subfileReduced)
		}
		img.longs(ImageWidth, uint32(lg.width))
		img.longs(ImageLength, uint32(lg.height))
		img.shorts(BitsPerSample, bits)
		img.shorts(Compression, compression)
		img.shorts(PhotometricInterpretation, photometricMinIsBlack)
		img.shorts(SamplesPerPixel, 1)
		img.shorts(PlanarConfiguration, planarChunky)
		img.longs(TileWidth, uint32(p.BlockSize))
		img.longs(TileLength, uint32(p.BlockSize))
		img.offsets(TileOffsets, abs(data[l].offsets))
		img.offsets(TileByteCounts, data[l].counts)
		img.shorts(SampleFormat, format)
		if l == 0 {
			w.georeference(img)
			if w.rsSet && len(w.levels) > 1 {
				img.ascii(GDALMetadata, fmt.Sprintf(
					"<GDALMetadata>\n  <Item name=\"resampling\" domain=\"rio_overview\">%s</Item>\n</GDALMetadata>\n", w.rs))
			}
		}
		if p.NoData != nil {
			img.ascii(GDALNoData, strconv.FormatFloat(*p.NoData, 'g', -1, 64))
		}
		ifds = append(ifds, img)

		msk := &ifdBuilder{bigtiff: bigtiff}
		st := uint32(subfileMask)
		if l > 0 {
			st |= subfileReduced
		}
		msk.longs(NewSubfileType, st)
		msk.longs(ImageWidth, uint32(lg.width))
		msk.longs(ImageLength, uint32(lg.height))
		msk.shorts(BitsPerSample, 1)
		msk.shorts(Compression, compression)
		msk.shorts(PhotometricInterpretation, photometricMask)
		msk.shorts(SamplesPerPixel, 1)
		msk.shorts(PlanarConfiguration, planarChunky)
		msk.longs(TileWidth, uint32(p.BlockSize))
		msk.longs(TileLength, uint32(p.BlockSize))
		msk.offsets(TileOffsets, abs(masks[l].offsets))
		msk.offsets(TileByteCounts, masks[l].counts)
		msk.shorts(SampleFormat, SampleFormatUint)
		ifds = append(ifds, msk)
	}
	return ifds
}

// georeference adds the model transform and CRS keys to the full
// resolution directory.
func (w *Writer) georeference(img *ifdBuilder) {
	t := w.profile.Transform
	if t == (raster.Transform{}) {
		return
	}
	if t.NorthUp() && t[5] < 0 {
		img.doubles(ModelPixelScale, t[1], -t[5], 0)
		img.doubles(ModelTiepoint, 0, 0, 0, t[0], t[3], 0)
	} else {
		img.doubles(ModelTransformation,
			t[1], t[2], 0, t[0],
			t[4], t[5], 0, t[3],
			0, 0, 0, 0,
			0, 0, 0, 1)
	}
	if w.profile.CRS == 0 {
		return
	}
	modelType, crsKey := uint16(modelTypeProjected), uint16(gkProjectedCSType)
	if w.profile.CRS == raster.EPSG4326 {
		modelType, crsKey = modelTypeGeographic, gkGeographicType
	}
	img.shorts(GeoKeyDirectory,
		1, 1, 0, 3,
		gkModelType, 0, 1, modelType,
		gkRasterType, 0, 1, rasterPixelIsArea,
		crsKey, 0, 1, uint16(w.profile.CRS))
}

// Close releases the staging area. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.stage.close()
}

var _ raster.Writer = (*Writer)(nil)
