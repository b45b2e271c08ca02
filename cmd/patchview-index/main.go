// Command patchview-index scans a downloaded dataset split and writes the
// location index snapshot consumed by the patchview server's
// nearest-sample queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/patchview/patchview"
)

func run() error {
	root := flag.String("root", envOr("PATCHVIEW_ROOT", "./data"), "root directory containing the dataset")
	split := flag.String("split", envOr("PATCHVIEW_SPLIT", "ssl4eo_l_oli_sr"), "dataset split to index")
	output := flag.String("output", "", "output path (default <root>/locations.json)")
	workers := flag.Int("workers", 20, "number of parallel workers")
	flag.Parse()

	if *output == "" {
		*output = filepath.Join(*root, "locations.json")
	}

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

	index, err := patchview.BuildIndex(ctx, catalog, reproj,
		patchview.WithWorkers(*workers),
		patchview.WithBuildLogger(logger),
	)
	if err != nil {
		return err
	}

	file, err := os.Create(*output)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := index.Snapshot(file); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	logger.Info("wrote location index",
		zap.String("path", *output),
		zap.Int("patches", index.Len()),
	)
	return nil
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
