package render

// LegendEntry is one sample of a colormap legend.
type LegendEntry struct {
	Value float64  `json:"value"`
	RGBA  [4]uint8 `json:"rgba"`
}

// Legend samples n evenly spaced values of the stretch and returns the
// colour each is rendered with. Value tables are not stretched, so their
// legend lists the table itself in value order.
func Legend(spec ColormapSpec, s Stretch, n int) ([]LegendEntry, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if spec.PreserveValues() {
		out := make([]LegendEntry, 0, len(spec.table))
		for v := 0; v < 256; v++ {
			if c, ok := spec.table[uint8(v)]; ok {
				out = append(out, LegendEntry{Value: float64(v), RGBA: [4]uint8{c.R, c.G, c.B, c.A}})
			}
		}
		return out, nil
	}
	cm, err := spec.Colormap()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 255
	}
	out := make([]LegendEntry, n)
	for i := range out {
		v := s.Min
		if n > 1 {
			v = s.Min + float64(i)*(s.Max-s.Min)/float64(n-1)
		}
		vis := s.Visual(v)
		rgba := [4]uint8{vis, vis, vis, 255}
		if cm != nil {
			c := cm.At(vis)
			rgba = [4]uint8{c.R, c.G, c.B, c.A}
		}
		out[i] = LegendEntry{Value: v, RGBA: rgba}
	}
	return out, nil
}
