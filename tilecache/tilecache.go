// Package tilecache is a byte bounded, compressed LRU cache of decoded raster
// windows with single-flight misses.
package tilecache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/jkgeo/terracotta/raster"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terracotta_raster_cache_hits_total",
		Help: "The total number of hits on the raster tile cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terracotta_raster_cache_misses_total",
		Help: "The total number of misses on the raster tile cache",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terracotta_raster_cache_evictions_total",
		Help: "The total number of evictions from the raster tile cache",
	})
	cacheOversized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terracotta_raster_cache_oversized_total",
		Help: "The total number of blocks too large to be cached",
	})
	cacheResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terracotta_raster_cache_resident_bytes",
		Help: "Decompressed size of the blocks held by the raster tile cache",
	})
)

// DefaultCompressionLevel is the zstd level used when Config leaves it unset.
const DefaultCompressionLevel = 9

// Config sizes a Cache.
type Config struct {
	// CapacityBytes bounds the decompressed size of all cached blocks.
	CapacityBytes int64
	// CompressionLevel is the zstd level (1-22) cached blocks are
	// compressed with.
	CompressionLevel int
}

// Key identifies one resampled read of a dataset.
type Key struct {
	Dataset        string
	Window         raster.Window
	Size           int
	Resampling     raster.Resampling
	PreserveValues bool
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%g,%g,%g,%g|%d|%s|%t",
		k.Dataset, k.Window.ColOff, k.Window.RowOff, k.Window.Width, k.Window.Height,
		k.Size, k.Resampling, k.PreserveValues)
}

type entry struct {
	data   []byte
	width  int
	height int
	size   int64
}

// Cache maps keys to blocks. Blocks returned by GetOrCompute are shared and
// must not be modified.
type Cache struct {
	capacity int64
	encoder  *zstd.Encoder
	group    singleflight.Group

	mu       sync.Mutex
	index    *simplelru.LRU[Key, entry]
	resident int64
}

var decoder, _ = zstd.NewReader(nil)

// New returns an empty cache.
func New(cfg Config) (*Cache, error) {
	if cfg.CapacityBytes < 0 {
		return nil, errors.New("cache capacity must not be negative")
	}
	level := cfg.CompressionLevel
	if level == 0 {
		level = DefaultCompressionLevel
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	// Entries are bounded by bytes, not by count.
	index, err := simplelru.NewLRU[Key, entry](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{capacity: cfg.CapacityBytes, encoder: enc, index: index}, nil
}

// GetOrCompute returns the block cached under key, calling compute on a
// miss. Concurrent misses on one key share a single call to compute, which
// runs detached from the cancellation of whichever caller started it. A
// caller whose ctx ends stops waiting; the others still get the result.
// Errors are returned to every waiting caller and not cached.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute func(context.Context) (raster.Block, error)) (raster.Block, error) {
	if b, ok, err := c.get(key); ok || err != nil {
		if err == nil {
			cacheHits.Inc()
		}
		return b, err
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		// Another flight may have filled the entry since the first lookup.
		if b, ok, err := c.get(key); ok || err != nil {
			return b, err
		}
		cacheMisses.Inc()
		b, err := compute(flightCtx)
		if err != nil {
			return nil, err
		}
		c.put(key, b)
		return b, nil
	})
	select {
	case <-ctx.Done():
		return raster.Block{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return raster.Block{}, res.Err
		}
		return res.Val.(raster.Block), nil
	}
}

func (c *Cache) get(key Key) (raster.Block, bool, error) {
	c.mu.Lock()
	e, ok := c.index.Get(key)
	c.mu.Unlock()
	if !ok {
		return raster.Block{}, false, nil
	}
	b, err := decode(e)
	if err != nil {
		return raster.Block{}, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return b, true, nil
}

func (c *Cache) put(key Key, b raster.Block) {
	size := b.Size()
	if size > c.capacity {
		cacheOversized.Inc()
		return
	}
	e := entry{data: c.encode(b), width: b.Width, height: b.Height, size: size}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.index.Peek(key); ok {
		c.index.Remove(key)
		c.resident -= old.size
	}
	c.index.Add(key, e)
	c.resident += size
	for c.resident > c.capacity {
		_, old, ok := c.index.RemoveOldest()
		if !ok {
			break
		}
		c.resident -= old.size
		cacheEvictions.Inc()
	}
	cacheResident.Set(float64(c.resident))
}

// Contains reports whether key is cached without touching its recency.
func (c *Cache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Contains(key)
}

// Resident returns the decompressed size of all cached blocks.
func (c *Cache) Resident() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index.Purge()
	c.resident = 0
	cacheResident.Set(0)
}

// encode serializes values as little endian float64 followed by one byte
// per mask pixel, then compresses.
func (c *Cache) encode(b raster.Block) []byte {
	n := len(b.Values)
	raw := make([]byte, 9*n)
	for i, v := range b.Values {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
		if b.Mask[i] {
			raw[8*n+i] = 1
		}
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4))
}

func decode(e entry) (raster.Block, error) {
	raw, err := decoder.DecodeAll(e.data, nil)
	if err != nil {
		return raster.Block{}, err
	}
	n := e.width * e.height
	if len(raw) != 9*n {
		return raster.Block{}, fmt.Errorf("decoded %d bytes, want %d", len(raw), 9*n)
	}
	b := raster.NewBlock(e.width, e.height)
	for i := range b.Values {
		b.Values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		b.Mask[i] = raw[8*n+i] != 0
	}
	return b, nil
}
