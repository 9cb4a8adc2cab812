package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkgeo/terracotta/catalog"
	"github.com/jkgeo/terracotta/optimize"
	"github.com/jkgeo/terracotta/stats"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files, directories or globs...]",
	Short: "Compute statistics of rasters and add them to the catalog",
	Long: `Compute the statistics of each raster and record it in the catalog so it can be served.

Files that are not rasters or have no valid pixels are skipped. Re-ingesting a path keeps
its dataset ID.

Examples:
  terracotta ingest --collection landsat /data/cogs/*.tif`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().String("collection", "", "collection name attached to the datasets")
	ingestCmd.Flags().Int("sample-size", stats.DefaultSampleSize, "maximum number of values kept for percentiles")
}

func runIngest(cmd *cobra.Command, args []string) error {
	collection, _ := cmd.Flags().GetString("collection")
	sampleSize, _ := cmd.Flags().GetInt("sample-size")

	paths, err := optimize.ExpandInputs(args)
	if err != nil {
		return err
	}
	store, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	codec := newCodec(cfg, logger)
	defer codec.Close()

	report, err := catalog.Ingest(cmd.Context(), codec, store, paths, catalog.IngestOptions{
		Collection: collection,
		Stats:      stats.Options{SampleSize: sampleSize, Logger: logger},
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	logger.Info("ingest finished",
		"catalog", cfg.CatalogPath,
		"ingested", report.Count(catalog.StatusIngested),
		"skipped", report.Count(catalog.StatusSkippedUnrecognized)+report.Count(catalog.StatusSkippedNoValidPixels),
		"failed", report.Count(catalog.StatusFailed))
	if n := report.Count(catalog.StatusFailed); n > 0 {
		return fmt.Errorf("%d files failed to ingest", n)
	}
	return nil
}
