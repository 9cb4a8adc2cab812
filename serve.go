package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/jkgeo/terracotta/catalog"
	"github.com/jkgeo/terracotta/raster"
	"github.com/jkgeo/terracotta/render"
	"github.com/jkgeo/terracotta/server"
	"github.com/jkgeo/terracotta/tilecache"
	"github.com/jkgeo/terracotta/tiles"
)

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpTileServer    *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP tile server",
	Long: `Start the HTTP tile server for the datasets of the catalog.

Metrics are exposed on a separate port and a gRPC health service on a third one.

Examples:
  # Serve catalog.yaml on port 8080
  terracotta serve

  # Serve another catalog with a 1GiB raster cache
  RASTER_CACHE_SIZE=1073741824 terracotta serve --catalog /data/catalog.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 8080, "HTTP port, overrides HTTP_PORT")
	serveCmd.Flags().Int64("cache-size", 0, "raster cache capacity in bytes, overrides RASTER_CACHE_SIZE")
	serveCmd.Flags().Int("response-cache-mb", 0, "encoded PNG response cache in MB, overrides RESPONSE_CACHE_MB")
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("port") {
		cfg.HTTPPort, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("cache-size") {
		cfg.RasterCacheSize, _ = cmd.Flags().GetInt64("cache-size")
	}
	if cmd.Flags().Changed("response-cache-mb") {
		cfg.ResponseCacheMB, _ = cmd.Flags().GetInt("response-cache-mb")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	handler, cleanup, err := setupTileServer(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize tile server, shutting down", "error", err)
		return err
	}
	defer cleanup()

	g, ctx := errgroup.WithContext(ctx)
	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP tile server
	g.Go(func() error {
		return startTileServer(logger, cfg, handler)
	})

	healthServer.SetServingStatus(appName, healthpb.HealthCheckResponse_SERVING)

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpTileServer != nil {
		if err := httpTileServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP tile server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		return err
	}
	return nil
}

// setupTileServer wires the codec, catalog, cache and renderer behind the
// HTTP routes.
func setupTileServer(cfg Config, logger *slog.Logger) (http.Handler, func(), error) {
	up, err := raster.ParseResampling(cfg.Upsampling)
	if err != nil {
		return nil, nil, fmt.Errorf("UPSAMPLING_METHOD: %w", err)
	}
	down, err := raster.ParseResampling(cfg.Downsampling)
	if err != nil {
		return nil, nil, fmt.Errorf("DOWNSAMPLING_METHOD: %w", err)
	}

	store, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("loaded catalog", "path", cfg.CatalogPath, "datasets", len(store.List()))

	logger.Info("configuring raster cache",
		"capacity", humanize.IBytes(uint64(cfg.RasterCacheSize)),
		"compression_level", cfg.RasterCacheLevel)
	cache, err := tilecache.New(tilecache.Config{
		CapacityBytes:    cfg.RasterCacheSize,
		CompressionLevel: cfg.RasterCacheLevel,
	})
	if err != nil {
		return nil, nil, err
	}

	codec := newCodec(cfg, logger)
	svc := tiles.New(codec, store, cache, render.NewRenderer(render.PNGLevel(cfg.PNGCompressLevel)), tiles.Config{
		DefaultTileSize: cfg.DefaultTileSize,
		Upsampling:      up,
		Downsampling:    down,
		BandWorkers:     cfg.BandWorkers,
		Logger:          logger,
	})
	srv, err := server.New(svc, store, server.Config{
		CORSOrigins:     cfg.CORSOrigins,
		ResponseCacheMB: cfg.ResponseCacheMB,
		Logger:          logger,
	})
	if err != nil {
		codec.Close()
		return nil, nil, err
	}
	cleanup := func() {
		srv.Close()
		codec.Close()
	}
	return srv.Handler(), cleanup, nil
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.FinishCall)}
	grpcHealthServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(InterceptorLogger(logger), lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			logging.StreamServerInterceptor(InterceptorLogger(logger), lopts...),
			grpcMetrics.StreamServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	reflection.Register(grpcHealthServer) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(grpcHealthServer)

	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startTileServer(logger *slog.Logger, cfg Config, handler http.Handler) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpTileServer = &http.Server{Addr: addr, Handler: handler}
	logger.Info("HTTP tile server listening", "address", addr)

	if err := httpTileServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP tile server failed: %w", err)
	}
	return nil
}
