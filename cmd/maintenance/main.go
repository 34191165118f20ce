package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/your-org/platelog/internal/alarmsync"
	"github.com/your-org/platelog/internal/config"
	"github.com/your-org/platelog/internal/imagefetch"
	"github.com/your-org/platelog/internal/observability"
	"github.com/your-org/platelog/internal/storage"
	"github.com/your-org/platelog/internal/vision"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{setup: setupMaintainer, out: os.Stdout}
	if err := rootCommand(a).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setupMaintainer connects to Postgres and MinIO and builds the image
// pipeline from the config file.
func setupMaintainer(ctx context.Context, configPath string) (maintainer, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	closers := []func(){db.Close}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if err := db.Migrate(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	var objects vision.ObjectStore
	var crops alarmsync.CropStore
	if cfg.MinIO.Endpoint != "" {
		minioStore, err := storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect to minio: %w", err)
		}
		objects, crops = minioStore, minioStore
	}

	detector, closeDetector, err := vision.NewDetector(cfg.Detector)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("init detector: %w", err)
	}
	closers = append(closers, closeDetector)

	ocr, err := vision.NewTextExtractor(cfg.OCR)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("init ocr: %w", err)
	}

	processor := vision.NewProcessor(imagefetch.NewFetcher(cfg.ImageFetch), detector, ocr, objects)
	return alarmsync.NewMaintainer(db, processor, crops), cleanup, nil
}
