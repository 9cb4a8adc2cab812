// Package optimize converts rasters into tiled, overview pyramided and
// compressed GeoTIFFs ready to be served.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jkgeo/terracotta/raster"
)

const (
	// DefaultInMemoryThreshold is the pixel count below which blocks are
	// staged in memory, about 120M pixels.
	DefaultInMemoryThreshold = 10980 * 10980

	DefaultBlockSize = 256

	// OutputExt is the extension of optimized files.
	OutputExt = ".tif"
)

var (
	filesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terracotta_optimize_files_total",
		Help: "The total number of files processed by the optimizer, by status",
	}, []string{"status"})
	pixelsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terracotta_optimize_pixels_total",
		Help: "The total number of full resolution pixels written by the optimizer",
	})
)

// Options configures a run.
type Options struct {
	// Resampling is used for reprojection, block reads and overviews.
	Resampling raster.Resampling
	Reproject  bool
	// TargetCRS is the CRS rasters are reprojected to, EPSG:3857 when zero.
	TargetCRS   int
	Compression raster.Compression
	Overwrite   bool
	// InMemory forces memory (true) or disk (false) staging. When nil the
	// pixel count is compared with InMemoryThreshold.
	InMemory          *bool
	InMemoryThreshold int64
	BlockSize         int
	Logger            *slog.Logger
}

func (o *Options) setDefaults() {
	if o.TargetCRS == 0 {
		o.TargetCRS = raster.EPSG3857
	}
	if o.InMemoryThreshold <= 0 {
		o.InMemoryThreshold = DefaultInMemoryThreshold
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.Compression == "" {
		o.Compression = raster.CompressionAuto
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Status is the final disposition of one input.
type Status string

const (
	StatusDone    Status = "done"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// State is a step of the per file pipeline.
type State string

const (
	StateOpened      State = "opened"
	StateReprojected State = "reprojected"
	StateStaged      State = "staged"
	StateBlocks      State = "block-written"
	StateOverviews   State = "overview-built"
	StateCompressed  State = "compressed-and-copied"
	StateDone        State = "done"
)

// Outcome reports one input. State is the last step reached.
type Outcome struct {
	Input       string
	Output      string
	Status      Status
	State       State
	Err         error
	Levels      int
	Compression raster.Compression
	Pixels      int64
	InMemory    bool
	Duration    time.Duration
}

// Report lists the outcome of every input in order.
type Report struct {
	RunID    string
	Outcomes []Outcome
}

// Count returns the number of outcomes with status st.
func (r Report) Count(st Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == st {
			n++
		}
	}
	return n
}

// OverviewLevels returns the number of power of two reductions needed for
// the coarsest level to fit in about one block.
func OverviewLevels(width, height, blockSize int) int {
	blocks := max(height/blockSize, width/blockSize, 1)
	return int(math.Ceil(math.Log2(float64(blocks))))
}

// Optimizer converts files one after the other.
type Optimizer struct {
	codec      raster.Codec
	opts       Options
	negotiator *Negotiator
	logger     *slog.Logger
}

// New returns an Optimizer. Every Optimizer negotiates compression once.
func New(codec raster.Codec, opts Options) *Optimizer {
	opts.setDefaults()
	return &Optimizer{
		codec:      codec,
		opts:       opts,
		negotiator: NewNegotiator(codec, opts.Logger),
		logger:     opts.Logger,
	}
}

// Optimize converts every input into outputDir/<stem>.tif and reports each
// file. Per file problems are recorded in the report; only cancellation
// stops the run early.
func Optimize(ctx context.Context, codec raster.Codec, inputs []string, outputDir string, opts Options) (Report, error) {
	return New(codec, opts).Run(ctx, inputs, outputDir)
}

// Run processes inputs sequentially.
func (o *Optimizer) Run(ctx context.Context, inputs []string, outputDir string) (Report, error) {
	report := Report{RunID: uuid.NewString()}
	logger := o.logger.With("run_id", report.RunID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return report, fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out := o.file(ctx, logger, in, outputDir)
		filesProcessed.WithLabelValues(string(out.Status)).Inc()
		report.Outcomes = append(report.Outcomes, out)
	}
	logger.Info("optimize run finished",
		"done", report.Count(StatusDone),
		"skipped", report.Count(StatusSkipped),
		"failed", report.Count(StatusFailed))
	return report, nil
}

func (o *Optimizer) file(ctx context.Context, logger *slog.Logger, input, outputDir string) Outcome {
	start := time.Now()
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	out := Outcome{Input: input, Output: filepath.Join(outputDir, stem+OutputExt)}
	logger = logger.With("input", input, "output", out.Output)

	err := o.convert(ctx, logger, &out)
	out.Duration = time.Since(start)
	switch {
	case err == nil:
		out.Status = StatusDone
		out.State = StateDone
		attrs := []any{"levels", out.Levels, "compression", out.Compression, "duration", out.Duration}
		if fi, statErr := os.Stat(out.Output); statErr == nil {
			attrs = append(attrs, "size", humanize.Bytes(uint64(fi.Size())))
		}
		logger.Info("optimized raster", attrs...)
	case errors.Is(err, raster.ErrExistingOutput), errors.Is(err, raster.ErrUnrecognizedFormat):
		out.Status = StatusSkipped
		out.Err = err
		logger.Warn("skipped raster", "reason", err)
	default:
		out.Status = StatusFailed
		out.Err = err
		logger.Error("failed to optimize raster", "state", out.State, "error", err)
	}
	return out
}

func (o *Optimizer) convert(ctx context.Context, logger *slog.Logger, out *Outcome) error {
	if !o.opts.Overwrite {
		if _, err := os.Stat(out.Output); err == nil {
			return fmt.Errorf("%w: %s", raster.ErrExistingOutput, out.Output)
		}
	}

	h, err := o.codec.Open(ctx, out.Input)
	if err != nil {
		if !errors.Is(err, raster.ErrUnrecognizedFormat) {
			err = fmt.Errorf("%w: %w", raster.ErrUnrecognizedFormat, err)
		}
		return err
	}
	defer h.Close()
	out.State = StateOpened
	if n := h.Geometry().BandCount; n > 1 {
		logger.Warn("raster has more than one band, only the first is optimized", "bands", n)
	}

	src := h
	if o.opts.Reproject {
		src, err = o.codec.WarpView(h, o.opts.TargetCRS, o.opts.Resampling)
		if err != nil {
			return fmt.Errorf("reproject: %w", err)
		}
		out.State = StateReprojected
	}
	geom := src.Geometry()
	out.Pixels = geom.Pixels()

	out.InMemory = geom.Pixels() < o.opts.InMemoryThreshold
	if o.opts.InMemory != nil {
		out.InMemory = *o.opts.InMemory
	}
	out.Compression = o.negotiator.Resolve(o.opts.Compression)

	w, err := o.codec.Create(ctx, raster.Profile{
		Width:     geom.Width,
		Height:    geom.Height,
		BlockSize: o.opts.BlockSize,
		DataType:  geom.DataType,
		CRS:       geom.CRS,
		Transform: geom.Transform,
		NoData:    geom.NoData,
	}, raster.Staging{InMemory: out.InMemory, TempDir: filepath.Dir(out.Output)})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer w.Close()
	out.State = StateStaged

	for _, win := range raster.BlockWindows(geom.Width, geom.Height, o.opts.BlockSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _, bw, bh := win.Int()
		b, err := src.ReadWindow(ctx, win, bw, bh, o.opts.Resampling, 1)
		if err != nil {
			return fmt.Errorf("read %s: %w", win, err)
		}
		if err := w.WriteBlock(ctx, win, b); err != nil {
			return fmt.Errorf("write %s: %w", win, err)
		}
	}
	pixelsWritten.Add(float64(geom.Pixels()))
	out.State = StateBlocks

	out.Levels = OverviewLevels(geom.Width, geom.Height, o.opts.BlockSize)
	if err := w.BuildOverviews(ctx, out.Levels, o.opts.Resampling); err != nil {
		return fmt.Errorf("overviews: %w", err)
	}
	out.State = StateOverviews

	if err := w.Finalize(ctx, out.Output, out.Compression); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	out.State = StateCompressed
	return nil
}

var globMeta = "*?["

// ExpandInputs turns files, directories and glob patterns into a sorted,
// deduplicated list of files. Directories contribute their direct
// children only.
func ExpandInputs(inputs []string) ([]string, error) {
	var files []string
	for _, in := range inputs {
		if strings.ContainsAny(in, globMeta) {
			matches, err := filepath.Glob(in)
			if err != nil {
				return nil, fmt.Errorf("bad pattern %q: %w", in, err)
			}
			for _, m := range matches {
				if fi, err := os.Stat(m); err == nil && !fi.IsDir() {
					files = append(files, m)
				}
			}
			continue
		}
		fi, err := os.Stat(in)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			files = append(files, in)
			continue
		}
		entries, err := os.ReadDir(in)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				files = append(files, filepath.Join(in, e.Name()))
			}
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}
