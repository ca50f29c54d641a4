package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"tsxstudio/internal/config"
	"tsxstudio/internal/db"
	"tsxstudio/internal/engine"
	"tsxstudio/internal/events"
	"tsxstudio/internal/ledger"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
	"tsxstudio/internal/pkg/shutdown"
	"tsxstudio/internal/render"
	"tsxstudio/internal/repositories"
	"tsxstudio/internal/storage"
	"tsxstudio/internal/transcript"
	"tsxstudio/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault().LogFatal("failed to load config", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "tsxstudio-worker",
	})
	if err := cfg.Validate(config.RoleWorker); err != nil {
		log.LogFatal("invalid configuration", err)
	}

	shutdownMgr := shutdown.NewManager(log, cfg.Worker.RenderTimeout+time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	if cfg.Postgres.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			log.LogFatal("failed to apply schema", err)
		}
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.LogFatal("invalid REDIS_URL", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	if c, ok := sp.(io.Closer); ok {
		defer c.Close()
	}

	m := metrics.New(nil)
	hub := events.NewHub(rdb, log)
	refunds := ledger.New(ledger.Deps{DB: pool, Log: log})

	pipeline := render.NewPipeline(render.PipelineDeps{
		Renderer: engine.NewRemotionClient(cfg.Worker.RendererURL),
		Log:      log,
		Timeout:  cfg.Worker.RenderTimeout,
		TempDir:  os.TempDir(),
	})

	deps := worker.Deps{
		RDB:     rdb,
		Log:     log,
		Metrics: m,
		Render: worker.NewRenderProcessor(worker.RenderDeps{
			Jobs:     repositories.NewRenderJobRepository(pool),
			Ledger:   refunds,
			Pipeline: pipeline,
			Storage:  sp,
			URLs: storage.URLResolver{
				Provider:      sp,
				PublicBaseURL: cfg.Storage.PublicBaseURL,
				SignedURLTTL:  cfg.Storage.SignedURLTTL,
				Log:           log,
			},
			Events:  hub,
			Metrics: m,
			Log:     log,
		}),
		Transcribe: worker.NewTranscribeProcessor(worker.TranscribeDeps{
			Jobs:       repositories.NewTranscriptionJobRepository(pool),
			Ledger:     refunds,
			Recognizer: engine.NewWhisperProcess(cfg.Worker.PythonBin, cfg.Worker.TranscriberScript, cfg.Worker.TranscribeTimeout),
			Storage:    sp,
			Dictionary: transcript.HindiTech,
			Events:     hub,
			Metrics:    m,
			Log:        log,
			TempDir:    os.TempDir(),
		}),
		RenderConcurrency:     cfg.Worker.RenderConcurrency,
		TranscribeConcurrency: cfg.Worker.TranscribeConcurrency,
		Name:                  workerName(),
	}

	if cfg.HTTP.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		shutdownMgr.Register("metrics-server", metricsSrv.Shutdown)
		go func() {
			log.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err.Error())
			}
		}()
	}

	// Registered last so it runs first: in-flight jobs finish before the
	// clients they use are closed.
	done := make(chan struct{})
	shutdownMgr.Register("worker", func(ctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	go func() {
		defer close(done)
		log.Info("worker started", "name", deps.Name)
		if err := worker.Run(ctx, deps); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker stopped", "error", err.Error())
		}
	}()

	shutdownMgr.Wait()
}

func workerName() string {
	if name := os.Getenv("WORKER_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}
