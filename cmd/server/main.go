package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/fund-ledger/internal/api"
	"github.com/atmx/fund-ledger/internal/config"
	"github.com/atmx/fund-ledger/internal/engine"
	"github.com/atmx/fund-ledger/internal/export"
	"github.com/atmx/fund-ledger/internal/metrics"
	"github.com/atmx/fund-ledger/internal/oracle"
	"github.com/atmx/fund-ledger/internal/queue"
	"github.com/atmx/fund-ledger/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Rate-limit counter and work queue ---
	var (
		counter  oracle.Counter
		q        queue.Queue
		promoter queue.Promoter
	)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis connection failed", "err", err)
			os.Exit(1)
		}

		rq := queue.NewRedisQueue(rdb)
		if err := rq.Heartbeat(ctx); err != nil {
			slog.Error("queue heartbeat failed", "err", err)
			os.Exit(1)
		}
		if n, err := rq.Recover(ctx); err != nil {
			slog.Error("could not recover in-flight tasks", "err", err)
		} else if n > 0 {
			slog.Info("recovered in-flight tasks", "count", n)
		}
		counter, q, promoter = oracle.NewRedisCounter(rdb), rq, rq
		slog.Info("Redis queue and rate limiter enabled", "consumer", rq.ID())
	} else {
		slog.Warn("REDIS_URL not set, using in-memory queue and rate limiter")
		mq := queue.NewMemoryQueue(cfg.Engine.QueueCapacity)
		cleanup = append(cleanup, mq.Close)
		counter, q = oracle.NewMemoryCounter(nil), mq
	}

	sched := queue.NewScheduler(ctx, q, promoter)
	if err := sched.Register(cfg.Engine.PromoteCron); err != nil {
		slog.Error("invalid promote schedule", "err", err)
		os.Exit(1)
	}
	sched.Start()
	cleanup = append(cleanup, sched.Stop)

	// --- Price oracle ---
	minPrice, maxPrice, _ := cfg.PriceRange()
	quoter := oracle.New(counter, oracle.Config{
		Limit:       cfg.Oracle.Limit,
		Window:      cfg.Oracle.Window,
		FailureRate: *cfg.Oracle.FailureRate,
		MinPrice:    minPrice,
		MaxPrice:    maxPrice,
	}, nil)

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	// --- Engine workers ---
	eng := engine.New(st, q, quoter, hub, engine.Config{
		MaxRetries: cfg.Engine.MaxRetries,
		RetryDelay: cfg.Engine.RetryDelay,
		Workers:    cfg.Engine.Workers,
		Classifier: engine.RetryAll,
	})

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := eng.Run(ctx); err != nil {
			slog.Error("engine stopped with error", "err", err)
		}
	}()

	// --- Export ---
	var exporter api.Exporter
	if cfg.ExportEnabled() {
		uploader, err := export.NewMinioUploader(export.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			slog.Error("object storage setup failed", "err", err)
			os.Exit(1)
		}
		exporter = export.New(st, uploader, nil)
		slog.Info("export to object storage enabled", "bucket", cfg.Minio.Bucket)
	} else {
		slog.Warn("MINIO_ENDPOINT not set, operation export disabled")
	}

	svc := api.NewService(st, q, exporter)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fund-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of job status events.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Register(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("fund-ledger listening", "port", cfg.Server.Port, "workers", cfg.Engine.Workers)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down fund-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	workers.Wait()
	fmt.Println("fund-ledger stopped")
}
