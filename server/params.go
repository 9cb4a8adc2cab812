package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jkgeo/terracotta/render"
)

func tileParams(r *http.Request) (z, x, y int, err error) {
	for _, p := range []struct {
		name string
		dst  *int
	}{{"z", &z}, {"x", &x}, {"y", &y}} {
		*p.dst, err = strconv.Atoi(chi.URLParam(r, p.name))
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%w: invalid %s", errBadRequest, p.name)
		}
	}
	return z, x, y, nil
}

// tileSize reads tile_size. Zero selects the default size.
func tileSize(r *http.Request) (int, error) {
	v := r.URL.Query().Get("tile_size")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: invalid tile_size %q", errBadRequest, v)
	}
	return n, nil
}

// parseStretch returns nil unless both bounds are given.
func parseStretch(lo, hi string) (*render.Stretch, error) {
	if lo == "" || hi == "" {
		return nil, nil
	}
	minV, err := strconv.ParseFloat(lo, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid stretch_min %q", errBadRequest, lo)
	}
	maxV, err := strconv.ParseFloat(hi, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid stretch_max %q", errBadRequest, hi)
	}
	return &render.Stretch{Min: minV, Max: maxV}, nil
}

// parseColormap selects grayscale, a named colormap or an explicit value
// table. Naming both is an error.
func parseColormap(name, explicit string) (render.ColormapSpec, error) {
	switch {
	case name != "" && explicit != "":
		return render.ColormapSpec{}, fmt.Errorf("%w: colormap and explicit_color_map are exclusive", errBadRequest)
	case explicit != "":
		table, err := parseColorTable(explicit)
		if err != nil {
			return render.ColormapSpec{}, err
		}
		return render.ValueTable(table), nil
	case name != "":
		return render.NamedColormap(name), nil
	}
	return render.ColormapSpec{}, nil
}

func singlebandQuery(r *http.Request) (int, *render.Stretch, render.ColormapSpec, error) {
	q := r.URL.Query()
	size, err := tileSize(r)
	if err != nil {
		return 0, nil, render.ColormapSpec{}, err
	}
	stretch, err := parseStretch(q.Get("stretch_min"), q.Get("stretch_max"))
	if err != nil {
		return 0, nil, render.ColormapSpec{}, err
	}
	spec, err := parseColormap(q.Get("colormap"), q.Get("explicit_color_map"))
	if err != nil {
		return 0, nil, render.ColormapSpec{}, err
	}
	return size, stretch, spec, nil
}

// rgbQuery reads tile_size, a stretch_min and stretch_max pair applied to
// all three bands, and the per band r_range, g_range and b_range, each a
// JSON [min, max] pair that takes precedence for its band.
func rgbQuery(r *http.Request) (int, [3]*render.Stretch, error) {
	var stretches [3]*render.Stretch
	size, err := tileSize(r)
	if err != nil {
		return 0, stretches, err
	}
	q := r.URL.Query()
	uniform, err := parseStretch(q.Get("stretch_min"), q.Get("stretch_max"))
	if err != nil {
		return 0, stretches, err
	}
	for i, name := range []string{"r_range", "g_range", "b_range"} {
		v := q.Get(name)
		if v == "" {
			stretches[i] = uniform
			continue
		}
		var pair []float64
		if err := json.Unmarshal([]byte(v), &pair); err != nil || len(pair) != 2 {
			return 0, stretches, fmt.Errorf("%w: %s must be a [min, max] pair", errBadRequest, name)
		}
		stretches[i] = &render.Stretch{Min: pair[0], Max: pair[1]}
	}
	return size, stretches, nil
}
