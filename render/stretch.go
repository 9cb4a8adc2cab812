package render

import (
	"fmt"
	"math"

	"github.com/jkgeo/terracotta/raster"
)

// Stretch is the raw value range mapped onto visual values 1 to 255.
type Stretch struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Validate returns raster.ErrInvalidStretch when a bound is not finite or
// Min exceeds Max.
func (s Stretch) Validate() error {
	if math.IsNaN(s.Min) || math.IsNaN(s.Max) || math.IsInf(s.Min, 0) || math.IsInf(s.Max, 0) {
		return fmt.Errorf("%w: bounds must be finite, got [%g, %g]", raster.ErrInvalidStretch, s.Min, s.Max)
	}
	if s.Min > s.Max {
		return fmt.Errorf("%w: [%g, %g]", raster.ErrInvalidStretch, s.Min, s.Max)
	}
	return nil
}

// Visual maps a single valid value into 1..255.
func (s Stretch) Visual(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	if s.Max == s.Min {
		return 1
	}
	v = math.Max(s.Min, math.Min(s.Max, v))
	return uint8(math.Round(1 + (v-s.Min)/(s.Max-s.Min)*254))
}

// ToVisual clips values to the stretch, rescales them linearly to 1..255
// and rounds. Masked pixels become 0.
func ToVisual(values []float64, mask []bool, s Stretch) ([]uint8, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if len(values) != len(mask) {
		return nil, fmt.Errorf("%d values but %d mask pixels", len(values), len(mask))
	}
	out := make([]uint8, len(values))
	for i, v := range values {
		if mask[i] {
			out[i] = s.Visual(v)
		}
	}
	return out, nil
}
