package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkgeo/terracotta/optimize"
	"github.com/jkgeo/terracotta/raster"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize [files, directories or globs...]",
	Short: "Convert rasters to cloud optimized GeoTIFFs",
	Long: `Convert rasters to tiled GeoTIFFs with overviews and an internal mask, written as
<output-dir>/<name>.tif.

Existing outputs are skipped unless --overwrite is given. With --compression auto, zstd is used
when a trial round trip succeeds and deflate otherwise, for the whole run.

Examples:
  terracotta optimize -o /data/cogs /data/raw/*.tif
  terracotta optimize -o /data/cogs --reproject --resampling bilinear /data/raw`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOptimize,
}

func init() {
	rootCmd.AddCommand(optimizeCmd)
	optimizeCmd.Flags().StringP("output-dir", "o", "", "directory receiving the optimized files")
	optimizeCmd.MarkFlagRequired("output-dir")
	optimizeCmd.Flags().Bool("overwrite", false, "replace existing outputs")
	optimizeCmd.Flags().Bool("reproject", false, "reproject to Web Mercator")
	optimizeCmd.Flags().String("resampling", "average", "resampling for reprojection and overviews (nearest, bilinear, cubic, average)")
	optimizeCmd.Flags().String("compression", "auto", "output compression (auto, deflate, zstd, lzw, none)")
	optimizeCmd.Flags().Bool("in-memory", false, "stage blocks in memory regardless of size")
	optimizeCmd.Flags().Bool("on-disk", false, "stage blocks in a temporary file regardless of size")
	optimizeCmd.Flags().Int("block-size", optimize.DefaultBlockSize, "tile size of the output")
	optimizeCmd.MarkFlagsMutuallyExclusive("in-memory", "on-disk")
}

func runOptimize(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	outputDir, _ := flags.GetString("output-dir")
	overwrite, _ := flags.GetBool("overwrite")
	reproject, _ := flags.GetBool("reproject")
	blockSize, _ := flags.GetInt("block-size")

	name, _ := flags.GetString("resampling")
	rs, err := raster.ParseResampling(name)
	if err != nil {
		return err
	}
	name, _ = flags.GetString("compression")
	cmp, err := raster.ParseCompression(name)
	if err != nil {
		return err
	}
	var inMemory *bool
	if flags.Changed("in-memory") || flags.Changed("on-disk") {
		v, _ := flags.GetBool("in-memory")
		inMemory = &v
	}

	inputs, err := optimize.ExpandInputs(args)
	if err != nil {
		return err
	}
	codec := newCodec(cfg, logger)
	defer codec.Close()

	report, err := optimize.Optimize(cmd.Context(), codec, inputs, outputDir, optimize.Options{
		Resampling:  rs,
		Reproject:   reproject,
		Compression: cmp,
		Overwrite:   overwrite,
		InMemory:    inMemory,
		BlockSize:   blockSize,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if n := report.Count(optimize.StatusFailed); n > 0 {
		return fmt.Errorf("%d of %d files failed to optimize", n, len(report.Outcomes))
	}
	return nil
}
