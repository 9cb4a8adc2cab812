package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/jkgeo/terracotta/raster"
)

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// tagData holds the parsed data for a TIFF tag in various typed formats
type tagData struct {
	fType      fieldType // The field type of this tag data
	length     uint32    // Number of elements in the data
	byteData   []uint8   // Raw byte data (BYTE, SBYTE and UNDEFINED types)
	asciiData  string    // String data (ASCII type)
	shortData  []uint16  // 16-bit integer data (SHORT and SSHORT types)
	longData   []uint32  // 32-bit integer data (LONG, SLONG and RATIONAL types)
	floatData  []float32 // 32-bit floating point data (FLOAT type)
	doubleData []float64 // 64-bit floating point data (DOUBLE type)
	uint64Data []uint64  // 64-bit unsigned integer data (LONG8/IFD8 types)
}

type Tags map[Tag]tagData

type Tag uint16

// maxIFDs bounds the IFD chain walk so a looping chain cannot hang Open.
const maxIFDs = 256

// image is one IFD of the file: the full resolution raster, an overview or
// a transparency mask attached to one of those.
type image struct {
	tags        Tags
	subfileType uint32
	width       int
	height      int

	// blockWidth and blockHeight are the tile size, or the image width and
	// RowsPerStrip for stripped layouts.
	blockWidth   int
	blockHeight  int
	blocksAcross int
	blocksDown   int
	tiled        bool

	offsets    []uint64
	byteCounts []uint64

	bitsPerSample   uint16
	samplesPerPixel uint16
	sampleFormat    uint16
	compression     uint16
	predictor       uint16
	planar          uint16
	photometric     uint16

	mask *image
}

func (im *image) isMask() bool {
	return im.subfileType&subfileMask != 0 || im.photometric == photometricMask
}

// blocksPerPlane is the number of striles holding one sample plane.
func (im *image) blocksPerPlane() int { return im.blocksAcross * im.blocksDown }

// GeoTIFF represents a parsed GeoTIFF file with its metadata and data access capabilities
type GeoTIFF struct {
	// reader is the underlying source for the GeoTIFF data. It must implement
	// io.ReadSeeker and io.ReaderAt for efficient access, especially for remote files.
	reader io.ReadSeeker
	closer io.Closer

	// byteOrder stores the endianness (little or big) of the TIFF file,
	// which is critical for correctly interpreting binary data.
	byteOrder binary.ByteOrder

	// isBigTIFF is a flag indicating whether the file uses the BigTIFF format,
	// which supports 64-bit offsets for files larger than 4GB.
	isBigTIFF bool

	// levels holds the full resolution image first, followed by its
	// overviews from largest to smallest.
	levels []*image

	geom     raster.Geometry
	metadata map[string]string

	// blockCache stores decoded striles keyed by level, mask flag and index,
	// so neighbouring window reads do not decompress the same block twice.
	blockCache *ccache.Cache[[]float64]

	// inflight ensures only one goroutine decodes a given strile while the
	// others wait for its result.
	inflight singleflight.Group
}

// Options tunes the decoded block cache of an opened file.
type Options struct {
	BlockCacheSize int64
	ItemsToPrune   uint32
}

// DefaultOptions keeps a few hundred decoded blocks per file.
var DefaultOptions = Options{BlockCacheSize: 256, ItemsToPrune: 32}

// Open parses a GeoTIFF from r. If r also implements io.Closer it is closed
// with the GeoTIFF. Files that are not TIFFs fail with raster.ErrUnrecognizedFormat.
func Open(r io.ReadSeeker, opts Options) (*GeoTIFF, error) {
	if _, ok := r.(io.ReaderAt); !ok {
		return nil, errors.New("reader does not implement io.ReaderAt")
	}
	if opts.BlockCacheSize <= 0 {
		opts = DefaultOptions
	}

	h, ifds, err := readIFDs(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", raster.ErrUnrecognizedFormat, err)
	}

	g := &GeoTIFF{
		reader:     r,
		byteOrder:  h.byteOrder,
		isBigTIFF:  h.isBigTIFF,
		blockCache: ccache.New(ccache.Configure[[]float64]().MaxSize(opts.BlockCacheSize).ItemsToPrune(opts.ItemsToPrune)),
	}
	if c, ok := r.(io.Closer); ok {
		g.closer = c
	}

	var images, masks []*image
	for i, tags := range ifds {
		im, err := newImage(tags)
		if err != nil {
			if i > 0 {
				// Thumbnails and other auxiliary directories are not needed.
				continue
			}
			g.blockCache.Stop()
			return nil, fmt.Errorf("%w: %v", raster.ErrUnrecognizedFormat, err)
		}
		if im.isMask() {
			masks = append(masks, im)
		} else {
			images = append(images, im)
		}
	}
	if len(images) == 0 {
		g.blockCache.Stop()
		return nil, fmt.Errorf("%w: no image directory", raster.ErrUnrecognizedFormat)
	}

	// The first non reduced image is the full resolution one; reduced images
	// with the same sample layout are its overviews.
	full := images[0]
	for _, im := range images {
		if im.subfileType&subfileReduced == 0 {
			full = im
			break
		}
	}
	g.levels = append(g.levels, full)
	for _, im := range images {
		if im == full || im.subfileType&subfileReduced == 0 {
			continue
		}
		if im.samplesPerPixel != full.samplesPerPixel || im.width > full.width {
			continue
		}
		g.levels = append(g.levels, im)
	}
	sort.SliceStable(g.levels[1:], func(i, j int) bool {
		return g.levels[1+i].width > g.levels[1+j].width
	})
	for _, m := range masks {
		for _, im := range g.levels {
			if im.mask == nil && im.width == m.width && im.height == m.height &&
				im.blockWidth == m.blockWidth && im.blockHeight == m.blockHeight {
				im.mask = m
				break
			}
		}
	}

	if err := g.parseGeometry(full); err != nil {
		g.blockCache.Stop()
		return nil, fmt.Errorf("%w: %v", raster.ErrUnrecognizedFormat, err)
	}
	return g, nil
}

func newImage(tags Tags) (*image, error) {
	im := &image{tags: tags}

	// Extract required image dimensions
	width, ok := tags.getUint(ImageWidth)
	if !ok {
		return nil, errors.New("missing or invalid tag: ImageWidth")
	}
	length, ok := tags.getUint(ImageLength)
	if !ok {
		return nil, errors.New("missing or invalid tag: ImageLength")
	}
	im.width, im.height = int(width), int(length)
	if im.width <= 0 || im.height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", im.width, im.height)
	}
	if st, ok := tags.getUint(NewSubfileType); ok {
		im.subfileType = uint32(st)
	}

	// Extract sample layout with the TIFF defaults
	im.bitsPerSample = uint16(tags.getUintDefault(BitsPerSample, 1))
	im.samplesPerPixel = uint16(tags.getUintDefault(SamplesPerPixel, 1))
	im.sampleFormat = uint16(tags.getUintDefault(SampleFormat, SampleFormatUint))
	im.compression = uint16(tags.getUintDefault(Compression, Uncompressed))
	im.predictor = uint16(tags.getUintDefault(Predictor, PredictorNone))
	im.planar = uint16(tags.getUintDefault(PlanarConfiguration, planarChunky))
	im.photometric = uint16(tags.getUintDefault(PhotometricInterpretation, photometricMinIsBlack))

	// Tiled layouts are preferred; stripped files are read as full width tiles.
	if tw, ok := tags.getUint(TileWidth); ok {
		tl, ok := tags.getUint(TileLength)
		if !ok {
			return nil, errors.New("missing or invalid tag: TileLength")
		}
		im.tiled = true
		im.blockWidth, im.blockHeight = int(tw), int(tl)
		if im.offsets, ok = tags.get64bitSlice(TileOffsets); !ok {
			return nil, errors.New("missing or invalid tag: TileOffsets")
		}
		if im.byteCounts, ok = tags.get64bitSlice(TileByteCounts); !ok {
			return nil, errors.New("missing or invalid tag: TileByteCounts")
		}
	} else {
		rps := tags.getUintDefault(RowsPerStrip, uint64(im.height))
		if rps == 0 || rps > uint64(im.height) {
			rps = uint64(im.height)
		}
		im.blockWidth, im.blockHeight = im.width, int(rps)
		if im.offsets, ok = tags.get64bitSlice(StripOffsets); !ok {
			return nil, errors.New("missing or invalid tag: StripOffsets")
		}
		if im.byteCounts, ok = tags.get64bitSlice(StripByteCounts); !ok {
			return nil, errors.New("missing or invalid tag: StripByteCounts")
		}
	}
	if im.blockWidth <= 0 || im.blockHeight <= 0 {
		return nil, errors.New("invalid block size")
	}
	im.blocksAcross = (im.width + im.blockWidth - 1) / im.blockWidth
	im.blocksDown = (im.height + im.blockHeight - 1) / im.blockHeight

	planes := 1
	if im.planar == planarSeparate {
		planes = int(im.samplesPerPixel)
	}
	if want := im.blocksPerPlane() * planes; len(im.offsets) < want || len(im.byteCounts) < want {
		return nil, fmt.Errorf("expected %d striles, found %d offsets and %d byte counts", want, len(im.offsets), len(im.byteCounts))
	}
	if _, err := im.dataType(); err != nil && !im.isMask() {
		return nil, err
	}
	return im, nil
}

func (im *image) dataType() (raster.DataType, error) {
	switch {
	case im.sampleFormat == SampleFormatFloat && im.bitsPerSample == 32:
		return raster.Float32, nil
	case im.sampleFormat == SampleFormatFloat && im.bitsPerSample == 64:
		return raster.Float64, nil
	case im.sampleFormat == SampleFormatInt && im.bitsPerSample == 8:
		return raster.Int8, nil
	case im.sampleFormat == SampleFormatInt && im.bitsPerSample == 16:
		return raster.Int16, nil
	case im.sampleFormat == SampleFormatInt && im.bitsPerSample == 32:
		return raster.Int32, nil
	case im.bitsPerSample == 8:
		return raster.Uint8, nil
	case im.bitsPerSample == 16:
		return raster.Uint16, nil
	case im.bitsPerSample == 32:
		return raster.Uint32, nil
	}
	return 0, fmt.Errorf("unsupported sample format (SampleFormat: %d, BitsPerSample: %d)", im.sampleFormat, im.bitsPerSample)
}

// parseGeometry derives the georeferencing of the full resolution image.
func (g *GeoTIFF) parseGeometry(full *image) error {
	dt, err := full.dataType()
	if err != nil {
		return err
	}
	tags := full.tags
	g.geom = raster.Geometry{
		Transform:   raster.IdentityTransform,
		Width:       full.width,
		Height:      full.height,
		BandCount:   int(full.samplesPerPixel),
		DataType:    dt,
		BlockWidth:  full.blockWidth,
		BlockHeight: full.blockHeight,
		Overviews:   len(g.levels) - 1,
	}

	geoKeys := parseGeoKeys(tags)
	if code, ok := geoKeys[gkProjectedCSType]; ok && code > 0 && code != 32767 {
		g.geom.CRS = code
	} else if code, ok := geoKeys[gkGeographicType]; ok && code > 0 && code != 32767 {
		g.geom.CRS = code
	}

	if mt, ok := tags[ModelTransformation]; ok && len(mt.doubleData) >= 16 {
		m := mt.doubleData
		g.geom.Transform = raster.Transform{m[3], m[0], m[1], m[7], m[4], m[5]}
	} else if ps, ok := tags[ModelPixelScale]; ok && len(ps.doubleData) >= 2 {
		sx, sy := ps.doubleData[0], ps.doubleData[1]
		var tie []float64
		if tp, ok := tags[ModelTiepoint]; ok && len(tp.doubleData) >= 6 {
			tie = tp.doubleData
		} else {
			tie = make([]float64, 6)
		}
		// Tiepoint maps pixel (I,J) to (X,Y); the Y pixel scale is
		// stored positive for north-up images.
		g.geom.Transform = raster.Transform{tie[3] - tie[0]*sx, sx, 0, tie[4] + tie[1]*sy, 0, -sy}
	}
	if rt, ok := geoKeys[gkRasterType]; ok && rt == 2 {
		// PixelIsPoint: shift to the pixel corner.
		t := &g.geom.Transform
		t[0] -= (t[1] + t[2]) / 2
		t[3] -= (t[4] + t[5]) / 2
	}

	if nd, ok := tags[GDALNoData]; ok {
		s := strings.TrimSpace(nd.asciiData)
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			g.geom.NoData = &v
		} else if strings.EqualFold(s, "nan") {
			v := math.NaN()
			g.geom.NoData = &v
		}
	}

	g.metadata = parseGDALMetadata(tags[GDALMetadata].asciiData)
	return nil
}

// parseGeoKeys returns the short valued keys of the GeoKeyDirectory.
func parseGeoKeys(tags Tags) map[int]int {
	keys := make(map[int]int)
	dir, ok := tags[GeoKeyDirectory]
	if !ok || len(dir.shortData) < 4 {
		return keys
	}
	d := dir.shortData
	n := int(d[3])
	for i := 0; i < n; i++ {
		base := 4 + i*4
		if base+3 >= len(d) {
			break
		}
		// Only keys stored inline in the directory carry a plain value.
		if d[base+1] == 0 {
			keys[int(d[base])] = int(d[base+3])
		}
	}
	return keys
}

var gdalItemRe = regexp.MustCompile(`<Item name="([^"]+)"(?: domain="([^"]*)")?[^>]*>([^<]*)</Item>`)

// parseGDALMetadata flattens GDAL metadata items into "domain.name" keys.
func parseGDALMetadata(s string) map[string]string {
	md := make(map[string]string)
	for _, m := range gdalItemRe.FindAllStringSubmatch(s, -1) {
		key := m[1]
		if m[2] != "" {
			key = m[2] + "." + m[1]
		}
		md[key] = m[3]
	}
	return md
}

// Geometry returns the grid, georeferencing and sample layout of the file.
func (g *GeoTIFF) Geometry() raster.Geometry { return g.geom }

// Metadata returns the GDAL metadata items of the file, keyed by
// "domain.name" or plain "name" for the default domain.
func (g *GeoTIFF) Metadata() map[string]string { return g.metadata }

// Close releases the decoded block cache and the underlying reader.
func (g *GeoTIFF) Close() error {
	g.blockCache.Stop()
	if g.closer != nil {
		return g.closer.Close()
	}
	return nil
}

// readHeader parses the TIFF file header to determine byte order, file format, and IFD location
func readHeader(r io.Reader) (head, error) {
	var h head

	// Read the first 2 bytes to determine byte order (little or big endian)
	var byteOrderBytes uint16
	if err := binary.Read(r, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}

	// Set the byte order based on the magic bytes
	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	// Read the TIFF identifier to determine if this is standard TIFF or BigTIFF
	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	switch identifier {
	case tiffIdentifier:
		// Standard TIFF format - uses 32-bit offsets
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		// BigTIFF format - uses 64-bit offsets for large files
		h.isBigTIFF = true

		// Read and validate the bytesize field (should be 8 for BigTIFF)
		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

// readIFDs walks the whole IFD chain. COGs keep overviews and masks in the
// IFDs following the full resolution one.
func readIFDs(r io.ReadSeeker) (head, []Tags, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return head{}, nil, err
	}
	h, err := readHeader(r)
	if err != nil {
		return h, nil, err
	}
	if h.ifdOffset == 0 {
		return h, nil, errors.New("file contains no IFDs")
	}

	var ifds []Tags
	seen := make(map[uint64]bool)
	for offset := h.ifdOffset; offset != 0; {
		if seen[offset] || len(ifds) >= maxIFDs {
			return h, nil, errors.New("IFD chain loops or is too long")
		}
		seen[offset] = true
		tags, next, err := readTags(r, h, offset)
		if err != nil {
			return h, nil, err
		}
		ifds = append(ifds, tags)
		offset = next
	}
	return h, ifds, nil
}

// readTags reads the IFD at offset and returns its tags and the offset of
// the next IFD.
func readTags(r io.ReadSeeker, h head, ifdOffset uint64) (Tags, uint64, error) {
	tags := make(Tags)
	if _, err := r.Seek(int64(ifdOffset), io.SeekStart); err != nil {
		return nil, 0, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, 0, err
		}
	} else {
		var numEntries16 uint16
		if err := binary.Read(r, h.byteOrder, &numEntries16); err != nil {
			return nil, 0, err
		}
		numEntries = uint64(numEntries16)
	}
	if numEntries == 0 || numEntries > 4096 {
		return nil, 0, fmt.Errorf("invalid IFD entry count %d", numEntries)
	}

	entryLen := 12
	nextLen := 4
	if h.isBigTIFF {
		entryLen = 20
		nextLen = 8
	}
	ifdBlock := make([]byte, entryLen*int(numEntries)+nextLen)
	if _, err := io.ReadFull(r, ifdBlock); err != nil {
		return nil, 0, fmt.Errorf("failed to read IFD block: %w", err)
	}

	for i := 0; i < int(numEntries); i++ {
		raw := ifdBlock[i*entryLen : (i+1)*entryLen]
		entry := iFDEntry{
			Tag:   Tag(h.byteOrder.Uint16(raw[0:])),
			FType: fieldType(h.byteOrder.Uint16(raw[2:])),
		}
		if entry.FType.bytes() == 0 {
			// Unknown field types cannot be sized, skip the entry.
			continue
		}

		var inline []byte
		if h.isBigTIFF {
			entry.Count = h.byteOrder.Uint64(raw[4:])
			inline = raw[12:20]
			entry.ValueOffset = h.byteOrder.Uint64(inline)
		} else {
			entry.Count = uint64(h.byteOrder.Uint32(raw[4:]))
			inline = raw[8:12]
			entry.ValueOffset = uint64(h.byteOrder.Uint32(inline))
		}
		if totalBytes := uint64(entry.FType.bytes()) * entry.Count; totalBytes <= uint64(len(inline)) {
			entry.ValueBytes = inline[:totalBytes]
		}

		tagvalue, err := entry.value(r, h.byteOrder)
		if err != nil {
			return nil, 0, fmt.Errorf("tag %s: %w", entry.Tag, err)
		}
		tags[entry.Tag] = *tagvalue
	}

	next := ifdBlock[entryLen*int(numEntries):]
	if h.isBigTIFF {
		return tags, h.byteOrder.Uint64(next), nil
	}
	return tags, uint64(h.byteOrder.Uint32(next)), nil
}

func (ifd *iFDEntry) value(r io.ReadSeeker, byteOrder binary.ByteOrder) (*tagData, error) {
	t := tagData{fType: ifd.FType, length: uint32(ifd.Count)}
	if ifd.Count > 1<<28 {
		return nil, fmt.Errorf("value count %d too large", ifd.Count)
	}
	var reader io.Reader
	if len(ifd.ValueBytes) > 0 || ifd.Count == 0 {
		reader = bytes.NewReader(ifd.ValueBytes)
	} else {
		readerAt, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("reader does not implement io.ReaderAt")
		}
		reader = io.NewSectionReader(readerAt, int64(ifd.ValueOffset), int64(ifd.FType.bytes())*int64(ifd.Count))
	}
	switch ifd.FType {
	case BYTE, SBYTE, UNDEFINED:
		t.byteData = make([]uint8, ifd.Count)
		if _, err := io.ReadFull(reader, t.byteData); err != nil {
			return nil, err
		}
	case ASCII:
		p := make([]uint8, ifd.Count)
		if _, err := io.ReadFull(reader, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.Trim(p, "\x00"))
	case SHORT, SSHORT:
		t.shortData = make([]uint16, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.shortData); err != nil {
			return nil, err
		}
	case LONG, SLONG:
		t.longData = make([]uint32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case RATIONAL, SRATIONAL:
		t.longData = make([]uint32, 2*ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case FLOAT:
		t.floatData = make([]float32, ifd.Count)
		if err := binary.Read(reader, byteOrder, t.floatData); err != nil {
			return nil, err
		}
	case DOUBLE:
		t.doubleData = make([]float64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.doubleData); err != nil {
			return nil, err
		}
	case LONG8, SLONG8, IFD8:
		t.uint64Data = make([]uint64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.uint64Data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported type for value reading: %d", ifd.FType)
	}
	return &t, nil
}

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0,   // 13-15 (Reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if int(f) >= len(fieldTypeLen) {
		return 0
	}
	return fieldTypeLen[int(f)]
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

func (tags Tags) getUint(tag Tag) (uint64, bool) {
	t, ok := tags[tag]
	if !ok {
		return 0, false
	}
	switch {
	case (t.fType == SHORT || t.fType == SSHORT) && len(t.shortData) > 0:
		return uint64(t.shortData[0]), true
	case (t.fType == LONG || t.fType == SLONG) && len(t.longData) > 0:
		return uint64(t.longData[0]), true
	case (t.fType == LONG8 || t.fType == IFD8) && len(t.uint64Data) > 0:
		return t.uint64Data[0], true
	case t.fType == BYTE && len(t.byteData) > 0:
		return uint64(t.byteData[0]), true
	}
	return 0, false
}

func (tags Tags) getUintDefault(tag Tag, def uint64) uint64 {
	if v, ok := tags.getUint(tag); ok {
		return v
	}
	return def
}

func (tags Tags) get64bitSlice(tag Tag) ([]uint64, bool) {
	t, ok := tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case LONG8, IFD8:
		return t.uint64Data, true
	case LONG:
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	case SHORT:
		res := make([]uint64, len(t.shortData))
		for i, v := range t.shortData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}
