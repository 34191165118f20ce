package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/platelog/internal/alarmsync"
	"github.com/your-org/platelog/internal/config"
	"github.com/your-org/platelog/internal/ezviz"
	"github.com/your-org/platelog/internal/imagefetch"
	"github.com/your-org/platelog/internal/models"
	"github.com/your-org/platelog/internal/observability"
	"github.com/your-org/platelog/internal/queue"
	"github.com/your-org/platelog/internal/storage"
	"github.com/your-org/platelog/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run a single sync and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	cutoff, err := cfg.Sync.CutoffTime()
	if err != nil {
		slog.Error("parse sync cutoff", "error", err)
		os.Exit(1)
	}

	slog.Info("starting platelog syncer",
		"device_serial", cfg.EZVIZ.DeviceSerial,
		"cutoff", cutoff,
		"detector", cfg.Detector.Provider,
		"ocr", cfg.OCR.Provider,
		"once", *once,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("migrate database", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO (optional: crops are not stored without it)
	var crops vision.ObjectStore
	if cfg.MinIO.Endpoint != "" {
		minioStore, err := storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
		crops = minioStore
	}

	// Connect to NATS (optional: no events or external triggers without it)
	var publisher alarmsync.EventPublisher
	var producer *queue.Producer
	if cfg.NATS.URL != "" {
		producer, err = queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			slog.Error("connect to nats", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		if err := producer.EnsureStreams(ctx, cfg.Sync.Interval); err != nil {
			slog.Warn("ensure nats streams", "error", err)
		}
		publisher = producer
	}

	detector, closeDetector, err := vision.NewDetector(cfg.Detector)
	if err != nil {
		slog.Error("init detector", "error", err)
		os.Exit(1)
	}
	defer closeDetector()

	ocr, err := vision.NewTextExtractor(cfg.OCR)
	if err != nil {
		slog.Error("init ocr", "error", err)
		os.Exit(1)
	}

	processor := vision.NewProcessor(imagefetch.NewFetcher(cfg.ImageFetch), detector, ocr, crops)

	syncer := alarmsync.NewSyncer(ezviz.NewClient(cfg.EZVIZ), db, db, processor, publisher, alarmsync.Options{
		DeviceSerial: cfg.EZVIZ.DeviceSerial,
		PageSize:     cfg.Sync.PageSize,
		PageStart:    cfg.Sync.PageStart,
		MaxPages:     cfg.Sync.MaxPages,
		Cutoff:       cutoff,
	})

	scheduler := alarmsync.NewScheduler(syncer, db, alarmsync.SchedulerConfig{
		Interval:      cfg.Sync.Interval,
		RetryInterval: cfg.Sync.RetryInterval,
		LockKey:       cfg.Sync.LockKey,
	})

	if *once {
		code := runOnce(ctx, scheduler)
		closeDetector()
		db.Close()
		os.Exit(code)
	}

	// External triggers (POST /v1/alarms/sync)
	if producer != nil {
		consumer, err := queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			slog.Error("create trigger consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		err = consumer.ConsumeSyncTriggers(ctx, "syncer", func(ctx context.Context, msg jetstream.Msg) error {
			var trigger models.SyncTrigger
			if err := json.Unmarshal(msg.Data(), &trigger); err != nil {
				slog.Error("unmarshal sync trigger", "error", err)
				return nil // Don't retry on unmarshal errors
			}
			slog.Info("sync triggered", "source", trigger.Source, "requested_at", trigger.RequestedAt)
			scheduler.Trigger()
			return nil
		})
		if err != nil {
			slog.Warn("start trigger consumer", "error", err)
		}

		go reportPendingTriggers(ctx, producer)
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		slog.Info("syncer metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	loopDone := make(chan error, 1)
	go func() { loopDone <- scheduler.Loop(ctx) }()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down syncer...")
	cancel()

	select {
	case <-loopDone:
	case <-time.After(30 * time.Second):
		slog.Warn("sync run did not stop in time")
	}
	slog.Info("syncer stopped")
}

// runOnce performs one sync, prints the summary as JSON and returns the
// process exit code.
func runOnce(ctx context.Context, scheduler *alarmsync.Scheduler) int {
	sum, err := scheduler.TryRun(ctx)

	out := map[string]any{"success": err == nil, "summary": sum}
	if err != nil {
		out["message"] = err.Error()
		var fe *ezviz.FetchError
		if errors.As(err, &fe) {
			out["code"] = fe.Code
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if err != nil {
		return 1
	}
	return 0
}

func reportPendingTriggers(ctx context.Context, producer *queue.Producer) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := producer.PendingTriggers(ctx)
			if err == nil {
				observability.PendingTriggers.Set(float64(n))
			}
		}
	}
}
