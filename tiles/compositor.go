package tiles

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jkgeo/terracotta/catalog"
	"github.com/jkgeo/terracotta/raster"
)

// Tile addresses a slippy map tile. A nil *Tile means the preview.
type Tile struct {
	Z, X, Y int
}

// BandRequest is one band of a composite.
type BandRequest struct {
	Dataset        catalog.Dataset
	Tile           *Tile
	Size           int
	PreserveValues bool
}

// Compositor fetches the bands of a composite concurrently through the
// tile cache.
type Compositor struct {
	fetch   func(context.Context, BandRequest) (raster.Block, error)
	workers int
}

// NewCompositor returns a Compositor running at most workers fetches at
// once.
func NewCompositor(fetch func(context.Context, BandRequest) (raster.Block, error), workers int) *Compositor {
	return &Compositor{fetch: fetch, workers: max(workers, 1)}
}

// Composite returns the blocks of reqs in order. The first failing band
// cancels the bands that have not started yet and fails the whole
// composite with raster.ErrBandRead.
func (c *Compositor) Composite(ctx context.Context, reqs []BandRequest) ([]raster.Block, error) {
	out := make([]raster.Block, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, req := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return fmt.Errorf("%w: band %d (%s): %w", raster.ErrBandRead, i, req.Dataset.ID, err)
			}
			b, err := c.fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%w: band %d (%s): %w", raster.ErrBandRead, i, req.Dataset.ID, err)
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
