package render

import (
	"fmt"
	"image/color"
	"math"
	"slices"
	"strings"
)

// Colormap maps visual values 1..255 to colours; entry i is value i+1.
type Colormap [255]color.RGBA

// At returns the colour of visual value v. Zero is transparent.
func (c *Colormap) At(v uint8) color.RGBA {
	if v == 0 {
		return color.RGBA{}
	}
	return c[v-1]
}

type stop struct {
	at float64
	c  color.RGBA
}

// linear builds a colormap by interpolating between stops placed at
// positions in [0, 1].
func linear(stops ...stop) *Colormap {
	var cm Colormap
	for i := range cm {
		t := float64(i) / float64(len(cm)-1)
		k := 0
		for k < len(stops)-2 && t > stops[k+1].at {
			k++
		}
		a, b := stops[k], stops[k+1]
		f := (t - a.at) / (b.at - a.at)
		f = math.Max(0, math.Min(1, f))
		cm[i] = color.RGBA{
			R: lerp(a.c.R, b.c.R, f),
			G: lerp(a.c.G, b.c.G, f),
			B: lerp(a.c.B, b.c.B, f),
			A: 255,
		}
	}
	return &cm
}

// even places colours at equal spacing.
func even(colors ...color.RGBA) *Colormap {
	stops := make([]stop, len(colors))
	for i, c := range colors {
		stops[i] = stop{at: float64(i) / float64(len(colors)-1), c: c}
	}
	return linear(stops...)
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(math.Round(float64(a) + f*(float64(b)-float64(a))))
}

var colormaps = map[string]*Colormap{
	"greys_r": even(color.RGBA{0, 0, 0, 255}, color.RGBA{255, 255, 255, 255}),
	"viridis": even(
		color.RGBA{68, 1, 84, 255},
		color.RGBA{72, 35, 116, 255},
		color.RGBA{64, 67, 135, 255},
		color.RGBA{52, 94, 141, 255},
		color.RGBA{41, 120, 142, 255},
		color.RGBA{32, 144, 140, 255},
		color.RGBA{34, 167, 132, 255},
		color.RGBA{68, 190, 112, 255},
		color.RGBA{121, 209, 81, 255},
		color.RGBA{189, 222, 38, 255},
		color.RGBA{253, 231, 37, 255},
	),
	"plasma": even(
		color.RGBA{13, 8, 135, 255},
		color.RGBA{75, 3, 161, 255},
		color.RGBA{125, 3, 168, 255},
		color.RGBA{168, 34, 150, 255},
		color.RGBA{203, 70, 121, 255},
		color.RGBA{229, 107, 93, 255},
		color.RGBA{248, 148, 65, 255},
		color.RGBA{253, 195, 40, 255},
		color.RGBA{240, 249, 33, 255},
	),
	"inferno": even(
		color.RGBA{0, 0, 4, 255},
		color.RGBA{40, 11, 84, 255},
		color.RGBA{101, 21, 110, 255},
		color.RGBA{159, 42, 99, 255},
		color.RGBA{212, 72, 66, 255},
		color.RGBA{245, 125, 21, 255},
		color.RGBA{250, 193, 39, 255},
		color.RGBA{252, 255, 164, 255},
	),
	"magma": even(
		color.RGBA{0, 0, 4, 255},
		color.RGBA{28, 16, 68, 255},
		color.RGBA{79, 18, 123, 255},
		color.RGBA{129, 37, 129, 255},
		color.RGBA{181, 54, 122, 255},
		color.RGBA{229, 80, 100, 255},
		color.RGBA{251, 135, 97, 255},
		color.RGBA{254, 194, 135, 255},
		color.RGBA{252, 253, 191, 255},
	),
	"cividis": even(
		color.RGBA{0, 34, 78, 255},
		color.RGBA{18, 53, 112, 255},
		color.RGBA{59, 73, 108, 255},
		color.RGBA{87, 93, 109, 255},
		color.RGBA{112, 113, 115, 255},
		color.RGBA{138, 134, 120, 255},
		color.RGBA{165, 156, 116, 255},
		color.RGBA{193, 178, 105, 255},
		color.RGBA{222, 201, 87, 255},
		color.RGBA{253, 234, 69, 255},
	),
	"terrain": linear(
		stop{0, color.RGBA{51, 51, 153, 255}},
		stop{0.15, color.RGBA{0, 153, 255, 255}},
		stop{0.25, color.RGBA{0, 204, 102, 255}},
		stop{0.5, color.RGBA{255, 255, 153, 255}},
		stop{0.75, color.RGBA{128, 92, 84, 255}},
		stop{1, color.RGBA{255, 255, 255, 255}},
	),
	"rdbu": even(
		color.RGBA{103, 0, 31, 255},
		color.RGBA{178, 24, 43, 255},
		color.RGBA{214, 96, 77, 255},
		color.RGBA{244, 165, 130, 255},
		color.RGBA{253, 219, 199, 255},
		color.RGBA{247, 247, 247, 255},
		color.RGBA{209, 229, 240, 255},
		color.RGBA{146, 197, 222, 255},
		color.RGBA{67, 147, 195, 255},
		color.RGBA{33, 102, 172, 255},
		color.RGBA{5, 48, 97, 255},
	),
	"spectral": even(
		color.RGBA{158, 1, 66, 255},
		color.RGBA{213, 62, 79, 255},
		color.RGBA{244, 109, 67, 255},
		color.RGBA{253, 174, 97, 255},
		color.RGBA{254, 224, 139, 255},
		color.RGBA{255, 255, 191, 255},
		color.RGBA{230, 245, 152, 255},
		color.RGBA{171, 221, 164, 255},
		color.RGBA{102, 194, 165, 255},
		color.RGBA{50, 136, 189, 255},
		color.RGBA{94, 79, 162, 255},
	),
}

var aliases = map[string]string{"gray": "greys_r", "grey": "greys_r"}

// LookupColormap returns the named colormap.
func LookupColormap(name string) (*Colormap, error) {
	name = strings.ToLower(name)
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	cm, ok := colormaps[name]
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q", name)
	}
	return cm, nil
}

// ColormapNames lists the available colormaps.
func ColormapNames() []string {
	names := make([]string, 0, len(colormaps))
	for n := range colormaps {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ColormapKind tells which variant a ColormapSpec holds.
type ColormapKind uint8

const (
	// Grayscale renders visual values as grey levels.
	Grayscale ColormapKind = iota
	// Named looks visual values up in a named colormap.
	Named
	// Values colours raw values through an explicit table, without
	// stretching them.
	Values
)

// ColormapSpec selects how a single band is coloured. The zero value is
// grayscale.
type ColormapSpec struct {
	kind  ColormapKind
	name  string
	table map[uint8]color.RGBA
}

// NamedColormap selects a colormap by name.
func NamedColormap(name string) ColormapSpec {
	return ColormapSpec{kind: Named, name: name}
}

// ValueTable selects value preserving rendering: raw values, rounded and
// clipped to 0..255, are looked up in table. Unmapped values are
// transparent.
func ValueTable(table map[uint8]color.RGBA) ColormapSpec {
	return ColormapSpec{kind: Values, table: table}
}

func (s ColormapSpec) Kind() ColormapKind { return s.kind }

// PreserveValues reports whether raw values bypass the stretch.
func (s ColormapSpec) PreserveValues() bool { return s.kind == Values }

// Table returns the value table of a Values spec.
func (s ColormapSpec) Table() map[uint8]color.RGBA { return s.table }

// Colormap resolves a Named spec. Grayscale and Values specs return nil.
func (s ColormapSpec) Colormap() (*Colormap, error) {
	if s.kind != Named {
		return nil, nil
	}
	return LookupColormap(s.name)
}

func (s ColormapSpec) String() string {
	switch s.kind {
	case Named:
		return s.name
	case Values:
		return fmt.Sprintf("explicit(%d)", len(s.table))
	}
	return "gray"
}
