// Package tiles renders PNG tiles, previews, composites and legends of
// catalog datasets.
package tiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jkgeo/terracotta/catalog"
	"github.com/jkgeo/terracotta/raster"
	"github.com/jkgeo/terracotta/render"
	"github.com/jkgeo/terracotta/tilecache"
	"github.com/jkgeo/terracotta/xyz"
)

// MaxTileSize is the largest tile edge served.
const MaxTileSize = 2048

// ErrInvalidRequest is returned for malformed tile parameters.
var ErrInvalidRequest = errors.New("invalid tile request")

var renderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "terracotta_tile_render_seconds",
	Help:    "Time spent producing a tile, from validation to encoded PNG",
	Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.3, 1, 3},
}, []string{"kind"})

// Catalog looks datasets up by ID.
type Catalog interface {
	Get(id string) (catalog.Dataset, error)
}

// Config configures a Service.
//
// Every tile request opens its dataset to learn the geometry behind the
// cache key, cache hits included. With a codec that keeps opened handles
// around (geotiff.CodecConfig.HandleCacheSize) a warm hit costs a map
// lookup; without one it costs a file open.
type Config struct {
	DefaultTileSize int
	Upsampling      raster.Resampling
	Downsampling    raster.Resampling
	BandWorkers     int
	Logger          *slog.Logger
}

// Service renders tiles. It is safe for concurrent use.
type Service struct {
	codec      raster.Codec
	catalog    Catalog
	cache      *tilecache.Cache
	renderer   *render.Renderer
	compositor *Compositor
	cfg        Config
	logger     *slog.Logger
}

// New returns a Service.
func New(codec raster.Codec, cat Catalog, cache *tilecache.Cache, renderer *render.Renderer, cfg Config) *Service {
	if cfg.DefaultTileSize <= 0 {
		cfg.DefaultTileSize = xyz.DefaultTileSize
	}
	if cfg.BandWorkers <= 0 {
		cfg.BandWorkers = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Service{
		codec:    codec,
		catalog:  cat,
		cache:    cache,
		renderer: renderer,
		cfg:      cfg,
		logger:   cfg.Logger,
	}
	s.compositor = NewCompositor(s.readBand, cfg.BandWorkers)
	return s
}

// RenderTile renders tile z/x/y of a dataset. A nil stretch uses the
// dataset's value range.
func (s *Service) RenderTile(ctx context.Context, datasetID string, z, x, y, size int, stretch *render.Stretch, cmap render.ColormapSpec) ([]byte, error) {
	defer observe("tile", time.Now())
	return s.singleband(ctx, datasetID, &Tile{Z: z, X: x, Y: y}, size, stretch, cmap)
}

// RenderPreview renders the full extent of a dataset.
func (s *Service) RenderPreview(ctx context.Context, datasetID string, size int, stretch *render.Stretch, cmap render.ColormapSpec) ([]byte, error) {
	defer observe("preview", time.Now())
	return s.singleband(ctx, datasetID, nil, size, stretch, cmap)
}

// RenderComposite renders tile z/x/y of three datasets as red, green and
// blue. A nil stretch for a band uses that band's own value range.
func (s *Service) RenderComposite(ctx context.Context, datasetIDs [3]string, z, x, y, size int, stretches [3]*render.Stretch) ([]byte, error) {
	defer observe("rgb", time.Now())
	return s.composite(ctx, datasetIDs, &Tile{Z: z, X: x, Y: y}, size, stretches)
}

// RenderCompositePreview renders the full extent of three datasets as red,
// green and blue.
func (s *Service) RenderCompositePreview(ctx context.Context, datasetIDs [3]string, size int, stretches [3]*render.Stretch) ([]byte, error) {
	defer observe("rgb_preview", time.Now())
	return s.composite(ctx, datasetIDs, nil, size, stretches)
}

// Legend samples the colormap over a stretch.
func (s *Service) Legend(cmap render.ColormapSpec, stretch render.Stretch, n int) ([]render.LegendEntry, error) {
	entries, err := render.Legend(cmap, stretch, n)
	if err != nil && !errors.Is(err, raster.ErrInvalidStretch) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return entries, err
}

func observe(kind string, start time.Time) {
	renderDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func (s *Service) tileSize(size int) (int, error) {
	if size == 0 {
		return s.cfg.DefaultTileSize, nil
	}
	if size < 1 || size > MaxTileSize {
		return 0, fmt.Errorf("%w: tile size %d not in [1,%d]", ErrInvalidRequest, size, MaxTileSize)
	}
	return size, nil
}

func (s *Service) dataset(id string) (catalog.Dataset, error) {
	d, err := s.catalog.Get(id)
	if err != nil {
		return catalog.Dataset{}, err
	}
	if err := d.Servable(); err != nil {
		return catalog.Dataset{}, err
	}
	return d, nil
}

// singleband checks every precondition before touching the cache or the
// codec.
func (s *Service) singleband(ctx context.Context, datasetID string, tile *Tile, size int, stretch *render.Stretch, cmap render.ColormapSpec) ([]byte, error) {
	if stretch != nil {
		if err := stretch.Validate(); err != nil {
			return nil, err
		}
	}
	size, err := s.tileSize(size)
	if err != nil {
		return nil, err
	}
	ds, err := s.dataset(datasetID)
	if err != nil {
		return nil, err
	}
	cm, err := cmap.Colormap()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if tile != nil {
		if err := xyz.ValidateTile(tile.Z, tile.X, tile.Y); err != nil {
			return nil, err
		}
	}

	b, err := s.readBand(ctx, BandRequest{Dataset: ds, Tile: tile, Size: size, PreserveValues: cmap.PreserveValues()})
	if err != nil {
		return nil, err
	}
	if cmap.PreserveValues() {
		return s.renderer.Values(b, cmap.Table())
	}
	vis, err := render.ToVisual(b.Values, b.Mask, stretchOf(ds, stretch))
	if err != nil {
		return nil, err
	}
	return s.renderer.Singleband(vis, b.Width, b.Height, cm)
}

func (s *Service) composite(ctx context.Context, datasetIDs [3]string, tile *Tile, size int, stretches [3]*render.Stretch) ([]byte, error) {
	for _, st := range stretches {
		if st != nil {
			if err := st.Validate(); err != nil {
				return nil, err
			}
		}
	}
	size, err := s.tileSize(size)
	if err != nil {
		return nil, err
	}
	if tile != nil {
		if err := xyz.ValidateTile(tile.Z, tile.X, tile.Y); err != nil {
			return nil, err
		}
	}
	// Every band must resolve before any of them is read.
	reqs := make([]BandRequest, len(datasetIDs))
	for i, id := range datasetIDs {
		ds, err := s.dataset(id)
		if err != nil {
			return nil, fmt.Errorf("%w: band %d (%s): %w", raster.ErrBandRead, i, id, err)
		}
		reqs[i] = BandRequest{Dataset: ds, Tile: tile, Size: size}
	}

	blocks, err := s.compositor.Composite(ctx, reqs)
	if err != nil {
		return nil, err
	}
	var vis [3][]uint8
	for i, b := range blocks {
		if b.Width != size || b.Height != size {
			return nil, fmt.Errorf("%w: band %d is %dx%d", raster.ErrBandRead, i, b.Width, b.Height)
		}
		vis[i], err = render.ToVisual(b.Values, b.Mask, stretchOf(reqs[i].Dataset, stretches[i]))
		if err != nil {
			return nil, err
		}
	}
	return s.renderer.RGB(vis[0], vis[1], vis[2], size, size)
}

func stretchOf(ds catalog.Dataset, override *render.Stretch) render.Stretch {
	if override != nil {
		return *override
	}
	lo, hi := ds.Stats.Range()
	return render.Stretch{Min: lo, Max: hi}
}

// readBand reads the requested window of a dataset through the tile cache.
// The geometry needed for the cache key comes from a first open; a miss
// reads through a handle of its own, so the shared read never depends on
// a handle owned by a caller that may stop waiting.
func (s *Service) readBand(ctx context.Context, req BandRequest) (raster.Block, error) {
	h, err := s.open(ctx, req.Dataset, req.PreserveValues)
	if err != nil {
		return raster.Block{}, err
	}
	geom := h.Geometry()
	h.Close()

	win := xyz.PreviewWindow(geom)
	if req.Tile != nil {
		win, err = xyz.Resolve(geom, req.Tile.Z, req.Tile.X, req.Tile.Y, req.Size)
		if err != nil {
			return raster.Block{}, err
		}
	}
	rs := xyz.ChooseResampling(win, req.Size, s.cfg.Upsampling, s.cfg.Downsampling)
	if req.PreserveValues {
		rs = raster.Nearest
	}

	key := tilecache.Key{
		Dataset:        req.Dataset.ID,
		Window:         win,
		Size:           req.Size,
		Resampling:     rs,
		PreserveValues: req.PreserveValues,
	}
	return s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (raster.Block, error) {
		start := time.Now()
		h, err := s.open(ctx, req.Dataset, req.PreserveValues)
		if err != nil {
			return raster.Block{}, err
		}
		defer h.Close()
		b, err := h.ReadWindow(ctx, win, req.Size, req.Size, rs, 1)
		if err != nil {
			return raster.Block{}, err
		}
		s.logger.Debug("read raster window",
			"dataset", req.Dataset.ID,
			"window", win.String(),
			"size", req.Size,
			"resampling", rs.String(),
			"duration", time.Since(start))
		return b, nil
	})
}

// open opens a dataset, reprojected to Web Mercator when it is in another
// CRS.
func (s *Service) open(ctx context.Context, ds catalog.Dataset, preserveValues bool) (raster.Handle, error) {
	h, err := s.codec.Open(ctx, ds.Path)
	if err != nil {
		return nil, err
	}
	if crs := h.Geometry().CRS; crs == raster.EPSG3857 || crs == 0 {
		return h, nil
	}
	rs := s.cfg.Upsampling
	if preserveValues {
		rs = raster.Nearest
	}
	warped, err := s.codec.WarpView(h, raster.EPSG3857, rs)
	if err != nil {
		h.Close()
		return nil, err
	}
	return warped, nil
}
