package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"avatarpipe/internal/config"
	"avatarpipe/internal/httpapi"
	"avatarpipe/internal/httpapi/handlers"
	"avatarpipe/internal/observability"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/pkg/shutdown"
	"avatarpipe/internal/progress"
	"avatarpipe/internal/repositories"
	"avatarpipe/internal/storage"
	"avatarpipe/internal/worker"
)

const version = "0.1.0"

func main() {
	log := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Format:      getEnv("LOG_FORMAT", "json"),
		ServiceName: getEnv("SERVICE_NAME", "avatarpipe-worker"),
		AddSource:   getEnv("LOG_SOURCE", "false") == "true",
	})

	cfg, err := config.Load()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	log.Info("starting avatarpipe worker",
		"version", version,
		"broker", cfg.BrokerBackend,
		"queue_in", cfg.QueueIn,
		"max_workers", cfg.MaxWorkers,
		"gpu_slots", cfg.GPUSlots,
		"render_backend", cfg.RenderBackend,
		"upload_backend", cfg.UploadBackend,
	)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 10*time.Minute)

	stopTracing, err := observability.InitTracingFromEnv("avatarpipe-worker")
	if err != nil {
		log.LogFatal("failed to initialize tracing", err)
	}
	shutdownMgr.Register("tracing", stopTracing)

	if err := os.MkdirAll(cfg.MediaRoot, 0o755); err != nil {
		log.LogFatal("failed to create media root", err)
	}

	// Job repository
	var jobs repositories.JobRepository
	if cfg.DatabaseURL != "" {
		log.Info("running migrations")
		if err := repositories.Migrate(cfg.DatabaseURL); err != nil {
			log.LogFatal("failed to migrate database", err)
		}

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.LogFatal("failed to connect to PostgreSQL", err)
		}
		shutdownMgr.RegisterSimple("postgres", pool.Close)

		if err := pool.Ping(ctx); err != nil {
			log.LogFatal("failed to ping PostgreSQL", err)
		}
		log.Info("PostgreSQL connected")
		jobs = repositories.NewPostgresJobRepository(pool)
	} else {
		log.Info("DATABASE_URL not set, keeping job records in memory")
		jobs = repositories.NewMemoryJobRepository(1000)
	}

	// Broker
	var rdb *redis.Client
	if cfg.BrokerBackend == "redis" {
		rdb = worker.NewRedisClient(cfg)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis not reachable yet, the dispatcher keeps retrying", "addr", cfg.RedisAddr, "error", err.Error())
		} else {
			log.Info("Redis connected", "addr", cfg.RedisAddr)
		}
	} else {
		log.Info("broker configured", "url", worker.RedactedBrokerURL(cfg))
	}

	topo := worker.TopologyFromConfig(cfg, false)
	dialer, err := worker.NewDialer(cfg, topo, rdb, log)
	if err != nil {
		log.LogFatal("failed to configure broker", err)
	}

	// Upload
	var sp storage.Provider
	if cfg.UploadBackend == "storage" {
		sp, err = storage.NewProvider(ctx, cfg)
		if err != nil {
			log.LogFatal("failed to initialize storage provider", err)
		}
		log.Info("storage provider initialized", "provider", sp.Provider())
	}
	uploader, err := storage.NewUploader(cfg, sp, log)
	if err != nil {
		log.LogFatal("failed to configure uploader", err)
	}

	bus := progress.NewBus(cfg.ProgressBuffer)
	proc := worker.NewProcessor(cfg, uploader, bus, log)

	dispatcher := worker.New(worker.Deps{
		Dialer:    dialer,
		Backoff:   worker.BackoffFromConfig(cfg),
		Topology:  topo,
		Policy:    worker.RetryPolicy{Max: cfg.MaxRetries, Cooldown: cfg.RetryCooldown},
		Processor: proc,
		Jobs:      jobs,
		Log:       log,
	})

	if rdb != nil {
		shutdownMgr.Register("redis", func(ctx context.Context) error {
			return rdb.Close()
		})
	}

	// Handlers run LIFO, so in-flight jobs finish before Redis and
	// PostgreSQL are closed.
	dispatcherDone := make(chan struct{})
	shutdownMgr.Register("dispatcher", func(ctx context.Context) error {
		log.Info("waiting for dispatcher to drain")
		select {
		case <-dispatcherDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdownMgr.Go("dispatcher", func(ctx context.Context) error {
		defer close(dispatcherDone)
		return dispatcher.Run(ctx)
	})

	if cfg.EnableAPI {
		router := httpapi.NewRouter(httpapi.Deps{
			Handlers: handlers.Deps{
				Queue:     dispatcher,
				InputName: cfg.QueueIn,
				Jobs:      jobs,
				Events:    bus,
				MediaRoot: cfg.MediaRoot,
				RDB:       rdb,
				SP:        sp,
				Version:   version,
			},
			AllowedOrigins: cfg.CORSAllowedOrigins,
			Log:            log,
		})

		server := &http.Server{
			Addr:         cfg.ServerAddr(),
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // event streams stay open
			IdleTimeout:  120 * time.Second,
		}

		shutdownMgr.Register("http-server", func(ctx context.Context) error {
			log.Info("shutting down HTTP server")
			return server.Shutdown(ctx)
		})

		shutdownMgr.Go("http-server", func(ctx context.Context) error {
			log.Info("HTTP server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	shutdownMgr.Wait()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
