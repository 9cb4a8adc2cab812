// geotiff/geotiff_test.go

package geotiff

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/jkgeo/terracotta/raster"
)

const (
	testWidth  = 100
	testHeight = 70
)

// testValue is the value written at (col, row). Every seventh diagonal is
// masked.
func testValue(col, row int) (float64, bool) {
	return float64(col*3 + row), (col+row)%7 != 0
}

var testTransform = raster.Transform{-1000, 20, 0, 2000, 0, -20}

// writeTestCOG writes the test pattern with levels overviews.
func writeTestCOG(t *testing.T, levels int, c raster.Compression) []byte {
	t.Helper()
	ctx := context.Background()
	w, err := NewWriter(raster.Profile{
		Width:     testWidth,
		Height:    testHeight,
		BlockSize: 32,
		DataType:  raster.Uint16,
		CRS:       raster.EPSG3857,
		Transform: testTransform,
	}, raster.Staging{InMemory: true}, DefaultWriterOptions)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	defer w.Close()
	for _, win := range raster.BlockWindows(testWidth, testHeight, 32) {
		col, row, bw, bh := win.Int()
		b := raster.NewBlock(bw, bh)
		for j := 0; j < bh; j++ {
			for i := 0; i < bw; i++ {
				b.Values[j*bw+i], b.Mask[j*bw+i] = testValue(col+i, row+j)
			}
		}
		if err := w.WriteBlock(ctx, win, b); err != nil {
			t.Fatalf("WriteBlock(%s) error = %v", win, err)
		}
	}
	if levels > 0 {
		if err := w.BuildOverviews(ctx, levels, raster.Average); err != nil {
			t.Fatalf("BuildOverviews() error = %v", err)
		}
	}
	var buf bytes.Buffer
	if err := w.finalizeTo(ctx, &buf, c); err != nil {
		t.Fatalf("finalize(%s) error = %v", c, err)
	}
	return buf.Bytes()
}

// checkPattern reads the full resolution image and compares it with the
// test pattern.
func checkPattern(t *testing.T, h raster.Handle) {
	t.Helper()
	b, err := h.ReadWindow(context.Background(), raster.FullWindow(testWidth, testHeight), testWidth, testHeight, raster.Nearest, 1)
	if err != nil {
		t.Fatalf("ReadWindow() error = %v", err)
	}
	for row := 0; row < testHeight; row++ {
		for col := 0; col < testWidth; col++ {
			want, valid := testValue(col, row)
			k := row*testWidth + col
			if b.Mask[k] != valid {
				t.Fatalf("pixel (%d,%d) valid = %v, want %v", col, row, b.Mask[k], valid)
			}
			if valid && b.Values[k] != want {
				t.Fatalf("pixel (%d,%d) = %v, want %v", col, row, b.Values[k], want)
			}
		}
	}
}

func TestWriterRoundTrip(t *testing.T) {
	for _, c := range []raster.Compression{raster.CompressionNone, raster.CompressionDeflate, raster.CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			data := writeTestCOG(t, 2, c)
			g, err := Open(bytes.NewReader(data), DefaultOptions)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer g.Close()

			geom := g.Geometry()
			if geom.Width != testWidth || geom.Height != testHeight || geom.CRS != raster.EPSG3857 {
				t.Errorf("geometry = %+v", geom)
			}
			if geom.DataType != raster.Uint16 || geom.BlockWidth != 32 || geom.Overviews != 2 {
				t.Errorf("layout = %s %dx%d with %d overviews", geom.DataType, geom.BlockWidth, geom.BlockHeight, geom.Overviews)
			}
			if geom.Transform != testTransform {
				t.Errorf("transform = %v, want %v", geom.Transform, testTransform)
			}
			if rs := g.Metadata()["rio_overview.resampling"]; rs != "average" {
				t.Errorf("resampling metadata = %q", rs)
			}
			checkPattern(t, g)

			// A quarter resolution read is served by the second overview.
			b, err := g.ReadWindow(context.Background(), raster.FullWindow(testWidth, testHeight), 25, 18, raster.Nearest, 1)
			if err != nil {
				t.Fatal(err)
			}
			if b.Width != 25 || b.Height != 18 || !b.Valid() {
				t.Errorf("overview read = %dx%d valid %v", b.Width, b.Height, b.Valid())
			}
		})
	}
}

func TestWriterErrors(t *testing.T) {
	p := raster.Profile{Width: 10, Height: 10, BlockSize: 20, DataType: raster.Uint8, Transform: raster.IdentityTransform}
	if _, err := NewWriter(p, raster.Staging{InMemory: true}, DefaultWriterOptions); err == nil {
		t.Error("NewWriter() accepted a block size of 20")
	}
	p.BlockSize = 16
	w, err := NewWriter(p, raster.Staging{InMemory: true}, DefaultWriterOptions)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.WriteBlock(context.Background(), raster.Window{ColOff: 3, Width: 7, Height: 10}, raster.NewBlock(7, 10)); err == nil {
		t.Error("WriteBlock() accepted an unaligned window")
	}
	var buf bytes.Buffer
	if err := w.finalizeTo(context.Background(), &buf, raster.CompressionLZW); err == nil {
		t.Error("finalize(lzw) succeeded")
	}
}

func TestFinalizeFileStaging(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := NewWriter(raster.Profile{
		Width: 40, Height: 40, BlockSize: 16, DataType: raster.Float32,
		CRS: raster.EPSG4326, Transform: raster.Transform{0, 0.1, 0, 4, 0, -0.1},
	}, raster.Staging{TempDir: dir}, DefaultWriterOptions)
	if err != nil {
		t.Fatal(err)
	}
	for _, win := range raster.BlockWindows(40, 40, 16) {
		_, _, bw, bh := win.Int()
		b := raster.NewBlock(bw, bh)
		for i := range b.Values {
			b.Values[i], b.Mask[i] = 1.5, true
		}
		if err := w.WriteBlock(ctx, win, b); err != nil {
			t.Fatal(err)
		}
	}
	out := filepath.Join(dir, "out.tif")
	if err := w.Finalize(ctx, out, raster.CompressionDeflate); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.tif" {
		t.Errorf("staging left files behind: %v", entries)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	g, err := Open(f, DefaultOptions)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if g.Geometry().CRS != raster.EPSG4326 {
		t.Errorf("CRS = %d", g.Geometry().CRS)
	}
	b, err := g.ReadWindow(ctx, raster.Window{ColOff: 39, RowOff: 39, Width: 1, Height: 1}, 1, 1, raster.Nearest, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Mask[0] || b.Values[0] != 1.5 {
		t.Errorf("last pixel = %v (valid %v)", b.Values[0], b.Mask[0])
	}
}

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	data     []byte
}

// stripedBigEndian builds a 4x3 big endian uint16 TIFF stored in strips of
// two rows, uncompressed, with a nodata value of 0. The value at (col, row)
// is 100*row + col.
func stripedBigEndian() []byte {
	be := binary.BigEndian
	shorts := func(v ...uint16) []byte {
		b := make([]byte, 2*len(v))
		for i, x := range v {
			be.PutUint16(b[2*i:], x)
		}
		return b
	}
	longs := func(v ...uint32) []byte {
		b := make([]byte, 4*len(v))
		for i, x := range v {
			be.PutUint32(b[4*i:], x)
		}
		return b
	}
	doubles := func(v ...float64) []byte {
		b := make([]byte, 8*len(v))
		for i, x := range v {
			be.PutUint64(b[8*i:], math.Float64bits(x))
		}
		return b
	}

	var pixels []byte
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			pixels = append(pixels, shorts(uint16(100*row+col))...)
		}
	}
	entries := []ifdEntry{
		{uint16(ImageWidth), uint16(SHORT), 1, shorts(4)},
		{uint16(ImageLength), uint16(SHORT), 1, shorts(3)},
		{uint16(BitsPerSample), uint16(SHORT), 1, shorts(16)},
		{uint16(Compression), uint16(SHORT), 1, shorts(1)},
		{uint16(StripOffsets), uint16(LONG), 2, nil},
		{uint16(RowsPerStrip), uint16(SHORT), 1, shorts(2)},
		{uint16(StripByteCounts), uint16(LONG), 2, longs(16, 8)},
		{uint16(ModelPixelScale), uint16(DOUBLE), 3, doubles(2, 2, 0)},
		{uint16(ModelTiepoint), uint16(DOUBLE), 6, doubles(0, 0, 0, 500, 1000, 0)},
		{uint16(GDALNoData), uint16(ASCII), 2, []byte("0\x00")},
	}
	ifdSize := 2 + 12*len(entries) + 4
	external := 8 // StripOffsets
	for _, e := range entries {
		if len(e.data) > 4 {
			external += len(e.data)
		}
	}
	pixelStart := uint32(8 + ifdSize + external)
	entries[4].data = longs(pixelStart, pixelStart+16)

	var head, ext bytes.Buffer
	head.WriteString("MM")
	head.Write(shorts(42))
	head.Write(longs(8))
	head.Write(shorts(uint16(len(entries))))
	cursor := uint32(8 + ifdSize)
	for _, e := range entries {
		head.Write(shorts(e.tag, e.typ))
		head.Write(longs(e.count))
		if len(e.data) <= 4 {
			inline := make([]byte, 4)
			copy(inline, e.data)
			head.Write(inline)
			continue
		}
		head.Write(longs(cursor))
		ext.Write(e.data)
		cursor += uint32(len(e.data))
	}
	head.Write(longs(0))
	head.Write(ext.Bytes())
	head.Write(pixels)
	return head.Bytes()
}

func TestStrippedBigEndian(t *testing.T) {
	g, err := Open(bytes.NewReader(stripedBigEndian()), DefaultOptions)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer g.Close()
	geom := g.Geometry()
	if geom.Width != 4 || geom.Height != 3 || geom.BlockHeight != 2 || geom.DataType != raster.Uint16 {
		t.Errorf("geometry = %+v", geom)
	}
	if want := (raster.Transform{500, 2, 0, 1000, 0, -2}); geom.Transform != want {
		t.Errorf("transform = %v, want %v", geom.Transform, want)
	}
	if geom.NoData == nil || *geom.NoData != 0 {
		t.Errorf("nodata = %v", geom.NoData)
	}

	b, err := g.ReadWindow(context.Background(), raster.FullWindow(4, 3), 4, 3, raster.Nearest, 1)
	if err != nil {
		t.Fatal(err)
	}
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			k := row*4 + col
			want := float64(100*row + col)
			if want == 0 {
				if b.Mask[k] {
					t.Error("nodata pixel is valid")
				}
				continue
			}
			if !b.Mask[k] || b.Values[k] != want {
				t.Errorf("pixel (%d,%d) = %v (valid %v), want %v", col, row, b.Values[k], b.Mask[k], want)
			}
		}
	}
}

func TestUnrecognizedFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"text", []byte("this is not a tiff file at all")},
		{"empty", nil},
		{"truncated header", []byte("II*\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(bytes.NewReader(tt.data), DefaultOptions); !errors.Is(err, raster.ErrUnrecognizedFormat) {
				t.Errorf("Open() error = %v, want ErrUnrecognizedFormat", err)
			}
		})
	}
}

func TestHTTPRangeReader(t *testing.T) {
	data := writeTestCOG(t, 1, raster.CompressionDeflate)
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.ServeContent(w, r, "test.tif", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	codec := NewCodec(CodecConfig{})
	h, err := codec.Open(context.Background(), srv.URL+"/test.tif")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()
	checkPattern(t, h)
	if requests < 2 {
		t.Errorf("%d requests, want range requests after the head request", requests)
	}

	r, err := NewHTTPRangeReader(context.Background(), srv.URL+"/test.tif", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Size() != int64(len(data)) {
		t.Errorf("Size() = %d, want %d", r.Size(), len(data))
	}
	p := make([]byte, 4)
	if _, err := r.ReadAt(p, 0); err != nil || !bytes.Equal(p, data[:4]) {
		t.Errorf("ReadAt(0) = %q, %v", p, err)
	}
}

func TestBlobReader(t *testing.T) {
	ctx := context.Background()
	data := writeTestCOG(t, 0, raster.CompressionZstd)
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	if err := bucket.WriteAll(ctx, "cogs/test.tif", data, nil); err != nil {
		t.Fatal(err)
	}

	r, err := NewBlobReader(ctx, bucket, "cogs/test.tif")
	if err != nil {
		t.Fatalf("NewBlobReader() error = %v", err)
	}
	g, err := Open(r, DefaultOptions)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer g.Close()
	checkPattern(t, g)

	if _, err := NewBlobReader(ctx, bucket, "cogs/missing.tif"); err == nil {
		t.Error("NewBlobReader() succeeded for a missing key")
	}
}

func TestProbe(t *testing.T) {
	codec := NewCodec(CodecConfig{})
	for _, c := range []raster.Compression{raster.CompressionNone, raster.CompressionDeflate, raster.CompressionZstd} {
		if err := codec.Probe(c); err != nil {
			t.Errorf("Probe(%s) error = %v", c, err)
		}
	}
	if err := codec.Probe(raster.CompressionLZW); err == nil {
		t.Error("Probe(lzw) succeeded")
	}
}

func TestCodecHandleCache(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.tif")
	if err := os.WriteFile(path, writeTestCOG(t, 0, raster.CompressionDeflate), 0o644); err != nil {
		t.Fatal(err)
	}

	codec := NewCodec(CodecConfig{HandleCacheSize: 4})
	first, err := codec.Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := codec.Open(ctx, "file://"+path)
	if err != nil {
		t.Fatal(err)
	}
	third, err := codec.Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if first.(*sharedHandle).entry != third.(*sharedHandle).entry {
		t.Error("second open of the same ref did not reuse the cached handle")
	}
	if first.(*sharedHandle).entry == second.(*sharedHandle).entry {
		t.Error("different refs share a handle")
	}

	// Closing one user leaves the shared file readable for the others.
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	checkPattern(t, third)
	third.Close()
	second.Close()
	if err := codec.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := codec.Open(ctx, filepath.Join(t.TempDir(), "missing.tif")); err == nil {
		t.Error("Open() succeeded for a missing file")
	}
}

func TestWarpedView(t *testing.T) {
	ctx := context.Background()
	w, err := NewWriter(raster.Profile{
		Width: 64, Height: 64, BlockSize: 32, DataType: raster.Float32,
		CRS: raster.EPSG4326, Transform: raster.Transform{-16, 0.5, 0, 16, 0, -0.5},
	}, raster.Staging{InMemory: true}, DefaultWriterOptions)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	for _, win := range raster.BlockWindows(64, 64, 32) {
		_, _, bw, bh := win.Int()
		b := raster.NewBlock(bw, bh)
		for i := range b.Values {
			b.Values[i], b.Mask[i] = 7, true
		}
		if err := w.WriteBlock(ctx, win, b); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := w.finalizeTo(ctx, &buf, raster.CompressionNone); err != nil {
		t.Fatal(err)
	}
	src, err := Open(bytes.NewReader(buf.Bytes()), DefaultOptions)
	if err != nil {
		t.Fatal(err)
	}

	codec := NewCodec(CodecConfig{})
	if same, err := codec.WarpView(src, raster.EPSG4326, raster.Nearest); err != nil || same != raster.Handle(src) {
		t.Errorf("WarpView to the source CRS = %v, %v", same, err)
	}
	view, err := codec.WarpView(src, raster.EPSG3857, raster.Bilinear)
	if err != nil {
		t.Fatal(err)
	}
	defer view.Close()
	geom := view.Geometry()
	if geom.CRS != raster.EPSG3857 || geom.DataType != raster.Float32 {
		t.Errorf("warped geometry = %+v", geom)
	}
	minX, _, maxX, _ := geom.Bounds()
	if math.Abs(minX+1781111.85) > 1 || math.Abs(maxX-1781111.85) > 1 {
		t.Errorf("warped x extent = [%f, %f]", minX, maxX)
	}
	b, err := view.ReadWindow(ctx, raster.FullWindow(geom.Width, geom.Height), 16, 16, raster.Nearest, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Mask[8*16+8] || b.Values[8*16+8] != 7 {
		t.Errorf("centre pixel = %v (valid %v)", b.Values[8*16+8], b.Mask[8*16+8])
	}

	if _, err := NewWarpedView(src, 2154, raster.Nearest); !errors.Is(err, raster.ErrUnsupportedCRS) {
		t.Errorf("NewWarpedView(2154) error = %v", err)
	}
}
