// main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/natefinch/lumberjack"
	"github.com/spf13/cobra"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/jkgeo/terracotta/geotiff"
)

const appName = "terracotta"

// Config holds all configuration for the application, loaded from environment variables.
// Command line flags override it.
type Config struct {
	LogLevel         string   `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFile          string   `env:"LOG_FILE"`
	LogMaxSizeMB     int      `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxAgeDays    int      `env:"LOG_MAX_AGE_DAYS" envDefault:"28"`
	HTTPPort         int      `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort       int      `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort  int      `env:"METRICS_PORT" envDefault:"8888"`
	CatalogPath      string   `env:"CATALOG_PATH" envDefault:"catalog.yaml"`
	RasterCacheSize  int64    `env:"RASTER_CACHE_SIZE" envDefault:"513802240"`
	RasterCacheLevel int      `env:"RASTER_CACHE_COMPRESS_LEVEL" envDefault:"9"`
	PNGCompressLevel int      `env:"PNG_COMPRESS_LEVEL" envDefault:"1"`
	DefaultTileSize  int      `env:"DEFAULT_TILE_SIZE" envDefault:"256"`
	Upsampling       string   `env:"UPSAMPLING_METHOD" envDefault:"nearest"`
	Downsampling     string   `env:"DOWNSAMPLING_METHOD" envDefault:"average"`
	BandWorkers      int      `env:"BAND_WORKERS" envDefault:"3"`
	HandleCacheSize  int64    `env:"HANDLE_CACHE_SIZE" envDefault:"64"`
	BlockCacheSize   int64    `env:"BLOCK_CACHE_SIZE" envDefault:"256"`
	ResponseCacheMB  int      `env:"RESPONSE_CACHE_MB" envDefault:"0"`
	CORSOrigins      []string `env:"CORS_ORIGINS" envSeparator:","`
}

var (
	cfg    Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "terracotta",
	Short: "Serve and optimize raster tiles",
	Long: `terracotta serves PNG map tiles rendered on the fly from single band GeoTIFFs,
and converts rasters into cloud optimized GeoTIFFs ready to be served.

Configuration is read from the environment (LOG_LEVEL, HTTP_PORT, CATALOG_PATH, ...);
command line flags take precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := env.Parse(&cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("catalog") {
			cfg.CatalogPath, _ = cmd.Flags().GetString("catalog")
		}
		logger = createLogger(cfg, appName)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR), overrides LOG_LEVEL")
	rootCmd.PersistentFlags().String("catalog", "catalog.yaml", "catalog file, overrides CATALOG_PATH")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newCodec(cfg Config, logger *slog.Logger) *geotiff.Codec {
	block := geotiff.DefaultOptions
	if cfg.BlockCacheSize > 0 {
		block.BlockCacheSize = cfg.BlockCacheSize
	}
	return geotiff.NewCodec(geotiff.CodecConfig{
		Block:           block,
		HandleCacheSize: cfg.HandleCacheSize,
		Logger:          logger,
	})
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  cfg.LogMaxSizeMB,
			MaxAge:   cfg.LogMaxAgeDays,
			Compress: true,
		})
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
