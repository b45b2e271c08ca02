package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/patchview/patchview"
)

func run() error {
	root := flag.String("root", envOr("PATCHVIEW_ROOT", "./data"), "root directory containing the dataset")
	split := flag.String("split", envOr("PATCHVIEW_SPLIT", "ssl4eo_l_oli_sr"), "dataset split to serve")
	addr := flag.String("addr", envOr("PATCHVIEW_ADDR", "127.0.0.1:8080"), "listen address")
	cacheSize := flag.Int("cache-size", 256, "maximum number of cached rendered tiles")
	workers := flag.Int("index-workers", 20, "concurrent workers for index rebuilds")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataFS := os.DirFS(filepath.Join(*root, *split))
	reader := patchview.NewGeoTIFFReader(dataFS)
	reproj := patchview.NewReprojector()
	catalog := patchview.NewCatalog(dataFS, reader, reproj)

	index, err := loadOrBuildIndex(ctx, filepath.Join(*root, "locations.json"), catalog, reproj, *workers, logger)
	if err != nil {
		return fmt.Errorf("location index: %w", err)
	}

	cache, err := patchview.NewRenderCache(reader, reproj, patchview.WithCacheCapacity(*cacheSize))
	if err != nil {
		return err
	}

	server := patchview.NewServer(catalog, cache, index, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server)

	logger.Info("serving",
		zap.String("addr", *addr),
		zap.String("root", *root),
		zap.String("split", *split),
		zap.Int("indexed_patches", index.Len()),
	)
	return http.ListenAndServe(*addr, mux)
}

// loadOrBuildIndex loads a persisted location index when one exists and
// rebuilds it from raster metadata otherwise.
func loadOrBuildIndex(ctx context.Context, path string, catalog *patchview.Catalog, reproj *patchview.Reprojector, workers int, logger *zap.Logger) (*patchview.LocationIndex, error) {
	file, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("location index not found, rebuilding from rasters", zap.String("path", path))
		return patchview.BuildIndex(ctx, catalog, reproj,
			patchview.WithWorkers(workers),
			patchview.WithBuildLogger(logger),
		)
	case err != nil:
		return nil, err
	}
	defer file.Close()

	index, err := patchview.LoadSnapshot(file)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded location index", zap.String("path", path), zap.Int("patches", index.Len()))
	return index, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
