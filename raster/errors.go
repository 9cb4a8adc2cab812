package raster

import "errors"

var (
	// ErrUnrecognizedFormat is returned when a resource cannot be opened as a raster.
	ErrUnrecognizedFormat = errors.New("unrecognized raster format")

	// ErrNoValidPixels is returned when a raster holds no usable data.
	ErrNoValidPixels = errors.New("raster has no valid pixels")

	// ErrOutOfRange is returned for tile coordinates outside the zoom grid.
	ErrOutOfRange = errors.New("tile coordinates out of range")

	// ErrInvalidStretch is returned when a stretch minimum exceeds its maximum.
	ErrInvalidStretch = errors.New("stretch minimum is greater than maximum")

	// ErrBandRead is returned when one band of a composite cannot be read.
	ErrBandRead = errors.New("band read failed")

	// ErrExistingOutput is reported when an output file exists and overwrite is off.
	ErrExistingOutput = errors.New("output file already exists")

	// ErrUnsupportedCRS is returned for reprojections between unknown CRSs.
	ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")
)
