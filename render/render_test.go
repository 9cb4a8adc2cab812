package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/jkgeo/terracotta/raster"
)

func TestToVisual(t *testing.T) {
	s := Stretch{Min: 10, Max: 20}
	tests := []struct {
		v    float64
		want uint8
	}{
		{-100, 1},
		{10, 1},
		{15, 128},
		{20, 255},
		{1e9, 255},
		{12.5, 65}, // 1 + 63.5 rounds away from zero
	}
	for _, tt := range tests {
		got, err := ToVisual([]float64{tt.v}, []bool{true}, s)
		if err != nil {
			t.Fatal(err)
		}
		if got[0] != tt.want {
			t.Errorf("ToVisual(%v) = %d, want %d", tt.v, got[0], tt.want)
		}
	}
}

func TestToVisualMonotonic(t *testing.T) {
	s := Stretch{Min: -3.5, Max: 1000}
	values := make([]float64, 0, 3000)
	for v := -100.0; v < 1200; v += 0.5 {
		values = append(values, v)
	}
	mask := make([]bool, len(values))
	for i := range mask {
		mask[i] = true
	}
	vis, err := ToVisual(values, mask, s)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(vis); i++ {
		if vis[i] < vis[i-1] {
			t.Fatalf("ToVisual not monotonic at %v: %d < %d", values[i], vis[i], vis[i-1])
		}
		if vis[i] == 0 {
			t.Fatalf("valid value %v mapped to 0", values[i])
		}
	}
}

func TestToVisualMaskAndEqualBounds(t *testing.T) {
	vis, err := ToVisual([]float64{5, 5, 7}, []bool{true, false, true}, Stretch{Min: 5, Max: 5})
	if err != nil {
		t.Fatal(err)
	}
	if want := []uint8{1, 0, 1}; !bytes.Equal(vis, want) {
		t.Errorf("ToVisual() = %v, want %v", vis, want)
	}
}

func TestInvalidStretch(t *testing.T) {
	tests := []struct {
		name    string
		stretch Stretch
	}{
		{"min above max", Stretch{Min: 10, Max: 5}},
		{"nan min", Stretch{Min: math.NaN(), Max: 5}},
		{"infinite min", Stretch{Min: math.Inf(-1), Max: 5}},
		{"infinite max", Stretch{Min: 0, Max: math.Inf(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToVisual([]float64{1}, []bool{true}, tt.stretch)
			if !errors.Is(err, raster.ErrInvalidStretch) {
				t.Errorf("ToVisual() error = %v, want ErrInvalidStretch", err)
			}
		})
	}
}

func TestColormaps(t *testing.T) {
	for _, name := range ColormapNames() {
		cm, err := LookupColormap(name)
		if err != nil {
			t.Fatal(err)
		}
		for i, c := range cm {
			if c.A != 255 {
				t.Fatalf("%s[%d] alpha = %d", name, i, c.A)
			}
		}
	}
	gray, err := LookupColormap("gray")
	if err != nil {
		t.Fatal(err)
	}
	if gray[0] != (color.RGBA{0, 0, 0, 255}) || gray[254] != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("gray endpoints = %v %v", gray[0], gray[254])
	}
	viridis, _ := LookupColormap("viridis")
	if viridis[0] != (color.RGBA{68, 1, 84, 255}) || viridis[254] != (color.RGBA{253, 231, 37, 255}) {
		t.Errorf("viridis endpoints = %v %v", viridis[0], viridis[254])
	}
	if _, err := LookupColormap("nope"); err == nil {
		t.Error("LookupColormap(nope) should fail")
	}
}

func TestColormapSpec(t *testing.T) {
	var zero ColormapSpec
	if zero.Kind() != Grayscale || zero.PreserveValues() {
		t.Errorf("zero spec = %v", zero)
	}
	if cm, err := zero.Colormap(); cm != nil || err != nil {
		t.Errorf("zero spec colormap = %v, %v", cm, err)
	}
	vt := ValueTable(map[uint8]color.RGBA{1: {255, 0, 0, 255}})
	if !vt.PreserveValues() {
		t.Error("value table should preserve values")
	}
	if _, err := NamedColormap("nope").Colormap(); err == nil {
		t.Error("unknown named colormap should fail")
	}
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	return img
}

func TestSingleband(t *testing.T) {
	r := NewRenderer(png.BestSpeed)
	data, err := r.Singleband([]uint8{0, 1, 128, 255}, 2, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	img := decode(t, data)
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
		t.Fatalf("image is %v", b)
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
		t.Errorf("masked pixel alpha = %d", a)
	}
	got := color.NRGBAModel.Convert(img.At(0, 1)).(color.NRGBA)
	if got != (color.NRGBA{128, 128, 128, 255}) {
		t.Errorf("pixel = %v", got)
	}

	viridis, _ := LookupColormap("viridis")
	data, err = r.Singleband([]uint8{255}, 1, 1, viridis)
	if err != nil {
		t.Fatal(err)
	}
	got = color.NRGBAModel.Convert(decode(t, data).At(0, 0)).(color.NRGBA)
	if got != (color.NRGBA{253, 231, 37, 255}) {
		t.Errorf("viridis pixel = %v", got)
	}
}

func TestValues(t *testing.T) {
	r := NewRenderer(png.BestSpeed)
	// Values outside the table stay transparent even next to a mapped one.
	b := raster.Block{
		Width: 8, Height: 1,
		Values: []float64{1, 2, 3, 1, 1.2, 255, 1000, -1},
		Mask:   []bool{true, true, true, false, true, true, true, true},
	}
	table := map[uint8]color.RGBA{1: {255, 0, 0, 255}, 2: {0, 255, 0, 255}, 255: {0, 0, 255, 255}}
	data, err := r.Values(b, table)
	if err != nil {
		t.Fatal(err)
	}
	img := decode(t, data)
	want := []color.NRGBA{{255, 0, 0, 255}, {0, 255, 0, 255}, {}, {}, {}, {0, 0, 255, 255}, {}, {}}
	for i, w := range want {
		got := color.NRGBAModel.Convert(img.At(i, 0)).(color.NRGBA)
		if w.A == 0 {
			if got.A != 0 {
				t.Errorf("pixel %d = %v, want transparent", i, got)
			}
			continue
		}
		if got != w {
			t.Errorf("pixel %d = %v, want %v", i, got, w)
		}
	}
}

func TestRGB(t *testing.T) {
	r := NewRenderer(png.BestSpeed)
	data, err := r.RGB([]uint8{10, 10}, []uint8{20, 0}, []uint8{30, 30}, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	img := decode(t, data)
	if got := color.NRGBAModel.Convert(img.At(0, 0)).(color.NRGBA); got != (color.NRGBA{10, 20, 30, 255}) {
		t.Errorf("pixel 0 = %v", got)
	}
	if _, _, _, a := img.At(1, 0).RGBA(); a != 0 {
		t.Errorf("pixel with a masked band has alpha %d", a)
	}
	if _, err := r.RGB([]uint8{1}, []uint8{1, 2}, []uint8{1}, 1, 1); err == nil {
		t.Error("mismatched bands should fail")
	}
}

func TestLegend(t *testing.T) {
	entries, err := Legend(NamedColormap("viridis"), Stretch{Min: 0, Max: 10}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d", len(entries))
	}
	if entries[0].Value != 0 || entries[1].Value != 5 || entries[2].Value != 10 {
		t.Errorf("values = %v", entries)
	}
	if entries[2].RGBA != [4]uint8{253, 231, 37, 255} {
		t.Errorf("top colour = %v", entries[2].RGBA)
	}
	if _, err := Legend(ColormapSpec{}, Stretch{Min: 2, Max: 1}, 3); !errors.Is(err, raster.ErrInvalidStretch) {
		t.Errorf("Legend() error = %v, want ErrInvalidStretch", err)
	}
}
