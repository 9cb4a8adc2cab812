package optimize

import (
	"log/slog"
	"sync"

	"github.com/jkgeo/terracotta/raster"
)

// Negotiator settles the compression of one optimize run. The trial round
// trip for auto runs at most once, so a failed trial keeps every later file
// on the fallback.
type Negotiator struct {
	codec  raster.Codec
	logger *slog.Logger

	once     sync.Once
	resolved raster.Compression
}

// NewNegotiator returns a Negotiator probing through codec.
func NewNegotiator(codec raster.Codec, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{codec: codec, logger: logger}
}

// Resolve maps a requested compression to the one written. Auto becomes
// zstd when a trial zstd raster round trips and deflate otherwise. LZW has
// no encoder and is written as deflate.
func (n *Negotiator) Resolve(c raster.Compression) raster.Compression {
	switch c {
	case raster.CompressionAuto, "":
		n.once.Do(func() {
			n.resolved = raster.CompressionZstd
			if err := n.codec.Probe(raster.CompressionZstd); err != nil {
				n.logger.Warn("zstd compression unavailable, falling back to deflate", "error", err)
				n.resolved = raster.CompressionDeflate
			}
		})
		return n.resolved
	case raster.CompressionLZW:
		n.logger.Warn("lzw output is not supported, writing deflate instead")
		return raster.CompressionDeflate
	}
	return c
}
