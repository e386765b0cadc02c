// Command server starts the recap engine HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recaplab/recap-engine/internal/adapter/ai/stub"
	"github.com/recaplab/recap-engine/internal/adapter/blob/memblob"
	"github.com/recaplab/recap-engine/internal/adapter/blob/s3"
	"github.com/recaplab/recap-engine/internal/adapter/bus/redisbus"
	"github.com/recaplab/recap-engine/internal/adapter/cache/redisfp"
	"github.com/recaplab/recap-engine/internal/adapter/httpserver"
	"github.com/recaplab/recap-engine/internal/adapter/observability"
	"github.com/recaplab/recap-engine/internal/adapter/repo/memory"
	"github.com/recaplab/recap-engine/internal/adapter/repo/postgres"
	"github.com/recaplab/recap-engine/internal/app"
	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
	"github.com/recaplab/recap-engine/internal/gate"
	"github.com/recaplab/recap-engine/internal/pipeline"
	"github.com/recaplab/recap-engine/internal/progress"
	"github.com/recaplab/recap-engine/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

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

	var (
		jobs       domain.JobStore
		ledger     domain.Ledger
		blobs      domain.BlobStore
		dbCheck    app.Pinger
		redisCheck app.Pinger
	)
	bus := progress.NewBus()
	// Cancellation publishes terminal events; in prod it must broadcast to
	// the other replicas too.
	var cancelBus domain.ProgressPublisher = bus

	if cfg.IsDev() {
		// Dev mode is self-contained: memory adapters, a stub provider
		// pipeline, and the worker loop in-process.
		memJobs, memLedger, memBlobs := memory.NewJobStore(), memory.NewLedger(), memblob.New()
		memLedger.SetSubscription("dev", 600)
		jobs, ledger, blobs = memJobs, memLedger, memBlobs
		startDevWorker(ctx, cfg, memJobs, memLedger, memBlobs, bus)
	} else {
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		gw, err := s3.New(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			slog.Error("blob gateway init failed", slog.Any("error", err))
			os.Exit(1)
		}
		cache, err := redisfp.New(cfg.RedisURL, 24*time.Hour)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		jobs, ledger, blobs = postgres.NewJobRepo(pool), postgres.NewLedgerRepo(pool), gw
		dbCheck, redisCheck = pool, pinger(cache.Ping)

		// Workers broadcast progress over Redis; the relay feeds those
		// frames into this process's bus for websocket subscribers.
		relay, err := redisbus.NewRelay(bus, cfg.RedisURL)
		if err != nil {
			slog.Error("progress relay init failed", slog.Any("error", err))
			os.Exit(1)
		}
		go relay.Run(ctx)
		tee, err := redisbus.NewTee(bus, cfg.RedisURL)
		if err != nil {
			slog.Error("progress tee init failed", slog.Any("error", err))
			os.Exit(1)
		}
		cancelBus = tee
	}

	srv := httpserver.NewServer(cfg,
		usecase.NewUploadService(blobs, cfg.MaxUploadMB*1024*1024),
		usecase.NewAdmitService(jobs, blobs),
		usecase.NewStatusService(jobs, blobs),
		usecase.NewCancelService(jobs, cancelBus),
		usecase.NewQuotaService(ledger),
		bus)
	srv.DBCheck, srv.RedisCheck = app.BuildReadinessChecks(dbCheck, redisCheck)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// startDevWorker runs the full pipeline in-process against stub providers.
func startDevWorker(ctx context.Context, cfg config.Config,
	jobs *memory.JobStore, ledger *memory.Ledger, blobs *memblob.Store, bus *progress.Bus) {
	providers := config.DefaultProviders()
	g := gate.New(providers)
	planner := pipeline.NewPlanner(pipeline.PlannerConfig{
		MinSegmentSeconds:   cfg.SegMin.Seconds(),
		MaxSegmentSeconds:   cfg.SegMax.Seconds(),
		ShortClipMaxSeconds: cfg.ShortClipMax.Seconds(),
		TargetOverrun:       cfg.TargetOverrun,
	}, stub.NewChapters(), g)
	segs := memory.NewSegmentStore()
	pool := pipeline.NewPool(pipeline.PoolConfig{
		Parallelism:      cfg.WorkerConcurrencyPerJob,
		FailureTolerance: cfg.SegmentFailureTolerance,
		SpeedMin:         cfg.SpeedMin,
		SpeedMax:         cfg.SpeedMax,
	}, segs, memory.NewSegmentCache(), stub.NewVision(), stub.NewTTS(blobs), g)
	transcoder := stub.NewTranscoder(blobs)
	ctrl := pipeline.NewController(cfg, "dev-worker",
		jobs, segs, ledger, blobs,
		planner, pool, pipeline.NewStitcher(transcoder), transcoder, bus, nil)
	go ctrl.Run(ctx)
	go ctrl.RunRecovery(ctx)
	slog.Info("dev worker started in-process")
}

type pinger func(ctx context.Context) error

func (p pinger) Ping(ctx context.Context) error { return p(ctx) }
