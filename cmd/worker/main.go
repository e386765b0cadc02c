// Command worker claims recap jobs and drives them through the pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recaplab/recap-engine/internal/adapter/ai/chapters"
	"github.com/recaplab/recap-engine/internal/adapter/ai/tts"
	"github.com/recaplab/recap-engine/internal/adapter/ai/vision"
	"github.com/recaplab/recap-engine/internal/adapter/billing"
	"github.com/recaplab/recap-engine/internal/adapter/blob/s3"
	"github.com/recaplab/recap-engine/internal/adapter/bus/redisbus"
	"github.com/recaplab/recap-engine/internal/adapter/cache/redisfp"
	"github.com/recaplab/recap-engine/internal/adapter/observability"
	"github.com/recaplab/recap-engine/internal/adapter/repo/postgres"
	"github.com/recaplab/recap-engine/internal/adapter/transcoder/ffmpeg"
	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/gate"
	"github.com/recaplab/recap-engine/internal/pipeline"
	"github.com/recaplab/recap-engine/internal/progress"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	blobs, err := s3.New(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		slog.Error("blob gateway init failed", slog.Any("error", err))
		os.Exit(1)
	}

	cache, err := redisfp.New(cfg.RedisURL, 24*time.Hour)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Progress events go through a tee so API replicas can relay them to
	// their websocket subscribers.
	bus, err := redisbus.NewTee(progress.NewBus(), cfg.RedisURL)
	if err != nil {
		slog.Error("progress tee init failed", slog.Any("error", err))
		os.Exit(1)
	}

	providers, err := cfg.LoadProviders()
	if err != nil {
		slog.Error("provider table load failed", slog.Any("error", err))
		os.Exit(1)
	}
	g := gate.New(providers)

	var sink domain.BillingSink
	if len(cfg.KafkaBrokers) > 0 && cfg.BillingTopic != "" {
		producer, err := billing.NewProducer(cfg.KafkaBrokers, cfg.BillingTopic, cfg.BillingSigningSecret)
		if err != nil {
			slog.Error("billing producer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer producer.Close()
		sink = producer
	}

	jobs := postgres.NewJobRepo(pool)
	segments := postgres.NewSegmentRepo(pool)
	ledger := postgres.NewLedgerRepo(pool)
	transcoder := ffmpeg.New(cfg, blobs)

	planner := pipeline.NewPlanner(pipeline.PlannerConfig{
		MinSegmentSeconds:   cfg.SegMin.Seconds(),
		MaxSegmentSeconds:   cfg.SegMax.Seconds(),
		ShortClipMaxSeconds: cfg.ShortClipMax.Seconds(),
		TargetOverrun:       cfg.TargetOverrun,
	}, chapters.New(cfg, blobs), g)

	workerPool := pipeline.NewPool(pipeline.PoolConfig{
		Parallelism:      cfg.WorkerConcurrencyPerJob,
		FailureTolerance: cfg.SegmentFailureTolerance,
		SpeedMin:         cfg.SpeedMin,
		SpeedMax:         cfg.SpeedMax,
	}, segments, cache, vision.New(cfg, blobs), tts.New(cfg, blobs), g)

	ctrl := pipeline.NewController(cfg, workerID(),
		jobs, segments, ledger, blobs,
		planner, workerPool, pipeline.NewStitcher(transcoder), transcoder,
		bus, sink)

	go ctrl.RunRecovery(ctx)
	go ctrl.RunRetention(ctx)

	slog.Info("worker starting", slog.String("env", cfg.AppEnv))
	ctrl.Run(ctx)
	slog.Info("worker stopped")
}

// workerID identifies this process in job leases.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, ulid.Make().String())
}
