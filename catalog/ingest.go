package catalog

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkgeo/terracotta/raster"
	"github.com/jkgeo/terracotta/stats"
)

// Status is the outcome of ingesting one file.
type Status string

const (
	StatusIngested             Status = "ingested"
	StatusSkippedUnrecognized  Status = "skipped-unrecognized"
	StatusSkippedNoValidPixels Status = "skipped-no-valid-pixels"
	StatusFailed               Status = "failed"
)

// Outcome reports what happened to one input.
type Outcome struct {
	Path   string
	ID     string
	Status Status
	Err    error
}

// Report lists the outcome of every input of a batch, in input order.
type Report struct {
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

// IngestOptions configures Ingest.
type IngestOptions struct {
	Collection string
	Stats      stats.Options
	Logger     *slog.Logger
}

// Ingest computes statistics for every path and records the servable ones.
// A file that cannot be used is reported and skipped; the catalog is saved
// once at the end.
func Ingest(ctx context.Context, codec raster.Codec, store *Store, paths []string, opts IngestOptions) (Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stats.Logger == nil {
		opts.Stats.Logger = logger
	}
	var report Report
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		o := ingestOne(ctx, codec, store, path, opts)
		switch o.Status {
		case StatusIngested:
			logger.Info("ingested dataset", "path", path, "id", o.ID)
		case StatusFailed:
			logger.Error("failed to ingest", "path", path, "error", o.Err)
		default:
			logger.Warn("skipped file", "path", path, "status", o.Status, "reason", o.Err)
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	return report, store.Save()
}

func ingestOne(ctx context.Context, codec raster.Codec, store *Store, path string, opts IngestOptions) Outcome {
	s, err := stats.ComputeFile(ctx, codec, path, opts.Stats)
	switch {
	case errors.Is(err, raster.ErrUnrecognizedFormat):
		return Outcome{Path: path, Status: StatusSkippedUnrecognized, Err: err}
	case errors.Is(err, raster.ErrNoValidPixels):
		return Outcome{Path: path, Status: StatusSkippedNoValidPixels, Err: err}
	case err != nil:
		return Outcome{Path: path, Status: StatusFailed, Err: err}
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	d, ok := store.ByPath(path)
	if !ok {
		d = Dataset{ID: store.UniqueID(name), Name: name, Path: path}
	}
	d.Collection = opts.Collection
	d.Stats = s
	d.IngestedAt = time.Now().UTC()
	if err := store.Put(d); err != nil {
		return Outcome{Path: path, Status: StatusFailed, Err: err}
	}
	return Outcome{Path: path, ID: d.ID, Status: StatusIngested}
}
