package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"tsxstudio/internal/auth"
	"tsxstudio/internal/config"
	"tsxstudio/internal/db"
	"tsxstudio/internal/events"
	"tsxstudio/internal/httpapi"
	"tsxstudio/internal/httpapi/handlers"
	"tsxstudio/internal/ledger"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
	"tsxstudio/internal/pkg/shutdown"
	"tsxstudio/internal/queue"
	"tsxstudio/internal/repositories"
	"tsxstudio/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault().LogFatal("failed to load config", err)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "tsxstudio-api",
	})
	if err := cfg.Validate(config.RoleAPI); err != nil {
		log.LogFatal("invalid configuration", err)
	}
	log.Info("starting API", "version", version, "env", cfg.Env)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	// Connect to PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	if cfg.Postgres.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			log.LogFatal("failed to apply schema", err)
		}
		log.Info("schema applied")
	}
	log.Info("PostgreSQL connected")

	// Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.LogFatal("invalid REDIS_URL", err)
	}
	rdb := redis.NewClient(redisOpts)
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected")

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	if c, ok := sp.(io.Closer); ok {
		shutdownMgr.Register("storage", func(context.Context) error { return c.Close() })
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	tokens, err := auth.New(auth.Config{
		Secret:    []byte(cfg.Auth.Secret),
		Issuer:    cfg.Auth.Issuer,
		TTL:       cfg.Auth.TokenTTL,
		ClockSkew: time.Minute,
	})
	if err != nil {
		log.LogFatal("failed to initialize tokens", err)
	}

	m := metrics.New(nil)
	hub := events.NewHub(rdb, log)

	h := handlers.New(handlers.Deps{
		Log:            log,
		Metrics:        m,
		Ledger:         ledger.New(ledger.Deps{DB: pool, Log: log}),
		Projects:       repositories.NewProjectRepository(pool),
		Renders:        repositories.NewRenderJobRepository(pool),
		Transcriptions: repositories.NewTranscriptionJobRepository(pool),
		Queue:          queue.NewDispatcher(rdb, m),
		Storage:        sp,
		URLs: storage.URLResolver{
			Provider:      sp,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
			SignedURLTTL:  cfg.Storage.SignedURLTTL,
			Log:           log,
		},
		Tokens: tokens,
		Events: hub,
		Checks: map[string]handlers.Check{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		TranscribeCost: cfg.Worker.TranscribeCost,
		Version:        version,
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Handler:        h,
		Log:            log,
		Verifier:       tokens,
		Hub:            hub,
		Metrics:        m,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})

	// WriteTimeout stays zero: downloads and /events stream for longer than
	// any fixed bound.
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}
