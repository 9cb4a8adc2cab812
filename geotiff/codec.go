package geotiff

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"golang.org/x/sync/singleflight"

	"github.com/jkgeo/terracotta/raster"
)

// CodecConfig configures a Codec.
type CodecConfig struct {
	// Block tunes the decoded block cache of every opened file.
	Block Options
	// Writer sets the encoder levels of created files.
	Writer WriterOptions
	// HandleCacheSize is the number of opened files kept around between
	// requests. Zero disables handle caching.
	HandleCacheSize int64
	HandleTTL       time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Codec implements raster.Codec for GeoTIFF files on local disk, over HTTP
// range requests or in any gocloud.dev/blob bucket.
type Codec struct {
	cfg     CodecConfig
	logger  *slog.Logger
	handles *ccache.Cache[*handleEntry]
	opening singleflight.Group

	mu   sync.Mutex
	live map[*handleEntry]struct{}
}

// NewCodec returns a Codec. Call Close to release cached handles.
func NewCodec(cfg CodecConfig) *Codec {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Writer == (WriterOptions{}) {
		cfg.Writer = DefaultWriterOptions
	}
	if cfg.HandleTTL <= 0 {
		cfg.HandleTTL = time.Hour
	}
	c := &Codec{cfg: cfg, logger: cfg.Logger, live: make(map[*handleEntry]struct{})}
	if cfg.HandleCacheSize > 0 {
		c.handles = ccache.New(ccache.Configure[*handleEntry]().
			MaxSize(cfg.HandleCacheSize).
			ItemsToPrune(uint32(max(1, cfg.HandleCacheSize/8))).
			OnDelete(func(item *ccache.Item[*handleEntry]) {
				item.Value().evict()
			}))
	}
	return c
}

// Open opens ref, a local path, file:// URL, http(s):// URL or blob URL
// such as s3://bucket/key. With a handle cache the returned handle is
// shared; Close releases it.
func (c *Codec) Open(ctx context.Context, ref string) (raster.Handle, error) {
	if c.handles == nil {
		return c.openRef(ctx, ref)
	}
	if item := c.handles.Get(ref); item != nil && !item.Expired() {
		if e := item.Value(); e.acquire() {
			return &sharedHandle{Handle: e.h, entry: e}, nil
		}
	}
	v, err, _ := c.opening.Do(ref, func() (interface{}, error) {
		h, err := c.openRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		e := &handleEntry{h: h, codec: c}
		c.mu.Lock()
		c.live[e] = struct{}{}
		c.mu.Unlock()
		c.handles.Set(ref, e, c.cfg.HandleTTL)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	e := v.(*handleEntry)
	if !e.acquire() {
		// Evicted between open and acquire: fall back to a private handle.
		return c.openRef(ctx, ref)
	}
	return &sharedHandle{Handle: e.h, entry: e}, nil
}

func (c *Codec) openRef(ctx context.Context, ref string) (*GeoTIFF, error) {
	start := time.Now()
	r, err := openReader(ctx, ref, c.cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	g, err := Open(r, c.cfg.Block)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("open %s: %w", ref, err)
	}
	geom := g.Geometry()
	c.logger.Debug("opened raster",
		"ref", ref,
		"width", geom.Width,
		"height", geom.Height,
		"bands", geom.BandCount,
		"overviews", geom.Overviews,
		"crs", geom.CRS,
		"duration", time.Since(start))
	return g, nil
}

type readSeekerAtCloser interface {
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

func openReader(ctx context.Context, ref string, client *http.Client) (readSeekerAtCloser, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return openFile(ref)
	}
	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "http", "https":
		return NewHTTPRangeReader(ctx, ref, client)
	}
	bucketURL := u.Scheme + "://" + u.Host
	if u.RawQuery != "" {
		bucketURL += "?" + u.RawQuery
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
	}
	r, err := newBlobReader(ctx, bucket, strings.TrimPrefix(u.Path, "/"), bucket.Close)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return r, nil
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local raster: %w", err)
	}
	return f, nil
}

// WarpView reprojects h to targetCRS.
func (c *Codec) WarpView(h raster.Handle, targetCRS int, rs raster.Resampling) (raster.Handle, error) {
	return NewWarpedView(h, targetCRS, rs)
}

// Create returns a Writer for a new single band COG.
func (c *Codec) Create(ctx context.Context, p raster.Profile, s raster.Staging) (raster.Writer, error) {
	return NewWriter(p, s, c.cfg.Writer)
}

// Probe writes a 1x1 raster with compression cmp to memory, reads it back
// and checks the value survived.
func (c *Codec) Probe(cmp raster.Compression) error {
	ctx := context.Background()
	w, err := NewWriter(raster.Profile{
		Width: 1, Height: 1, BlockSize: 16, DataType: raster.Uint8,
		Transform: raster.IdentityTransform,
	}, raster.Staging{InMemory: true}, c.cfg.Writer)
	if err != nil {
		return err
	}
	defer w.Close()

	const probeValue = 42
	b := raster.NewBlock(1, 1)
	b.Values[0], b.Mask[0] = probeValue, true
	if err := w.WriteBlock(ctx, raster.FullWindow(1, 1), b); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := w.finalizeTo(ctx, &buf, cmp); err != nil {
		return fmt.Errorf("trial %s write failed: %w", cmp, err)
	}
	g, err := Open(bytes.NewReader(buf.Bytes()), Options{BlockCacheSize: 1, ItemsToPrune: 1})
	if err != nil {
		return fmt.Errorf("trial %s read failed: %w", cmp, err)
	}
	defer g.Close()
	got, err := g.ReadWindow(ctx, raster.FullWindow(1, 1), 1, 1, raster.Nearest, 1)
	if err != nil {
		return fmt.Errorf("trial %s read failed: %w", cmp, err)
	}
	if !got.Mask[0] || math.Abs(got.Values[0]-probeValue) > 0 {
		return fmt.Errorf("trial %s round trip returned %v", cmp, got.Values[0])
	}
	return nil
}

// Close releases every cached handle.
func (c *Codec) Close() error {
	if c.handles == nil {
		return nil
	}
	c.handles.Stop()
	c.mu.Lock()
	entries := make([]*handleEntry, 0, len(c.live))
	for e := range c.live {
		entries = append(entries, e)
	}
	c.mu.Unlock()
	for _, e := range entries {
		e.evict()
	}
	return nil
}

// handleEntry reference counts a cached handle so eviction never closes a
// file another request is still reading.
type handleEntry struct {
	h     raster.Handle
	codec *Codec

	mu      sync.Mutex
	refs    int
	evicted bool
}

func (e *handleEntry) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return false
	}
	e.refs++
	return true
}

func (e *handleEntry) release() {
	e.mu.Lock()
	e.refs--
	closeNow := e.evicted && e.refs == 0
	e.mu.Unlock()
	if closeNow {
		e.close()
	}
}

func (e *handleEntry) evict() {
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return
	}
	e.evicted = true
	closeNow := e.refs == 0
	e.mu.Unlock()
	if closeNow {
		e.close()
	}
}

func (e *handleEntry) close() {
	e.codec.mu.Lock()
	delete(e.codec.live, e)
	e.codec.mu.Unlock()
	if err := e.h.Close(); err != nil {
		e.codec.logger.Warn("failed to close raster", "error", err)
	}
}

type sharedHandle struct {
	raster.Handle
	entry *handleEntry
	once  sync.Once
}

func (s *sharedHandle) Close() error {
	s.once.Do(s.entry.release)
	return nil
}

var _ raster.Codec = (*Codec)(nil)
