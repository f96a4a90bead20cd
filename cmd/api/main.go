package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/soundfoundry/backend/internal/auth"
	"github.com/soundfoundry/backend/internal/config"
	"github.com/soundfoundry/backend/internal/execution"
	"github.com/soundfoundry/backend/internal/handlers"
	"github.com/soundfoundry/backend/internal/jobs"
	"github.com/soundfoundry/backend/internal/ledger"
	"github.com/soundfoundry/backend/internal/middleware"
	"github.com/soundfoundry/backend/internal/pricing"
	"github.com/soundfoundry/backend/internal/provider"
	"github.com/soundfoundry/backend/internal/provider/fal"
	"github.com/soundfoundry/backend/internal/provider/mock"
	"github.com/soundfoundry/backend/internal/provider/replicate"
	"github.com/soundfoundry/backend/internal/quota"
	"github.com/soundfoundry/backend/internal/repository"
	"github.com/soundfoundry/backend/internal/router"
	"github.com/soundfoundry/backend/internal/services"
	"github.com/soundfoundry/backend/internal/storage"
	"github.com/soundfoundry/backend/migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := migrations.Apply(ctx, pool, logger); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Free-mode daily counter: Redis when reachable, process memory otherwise.
	var redisClient *goredis.Client
	var counter quota.DailyCounter = quota.NewMemoryCounter()
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = goredis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, free-mode counts fall back to memory until it recovers", "error", err)
		}
		counter = quota.NewFallbackCounter(quota.NewRedisCounter(redisClient), counter, logger)
	}

	store, err := storage.New(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		slog.Error("Failed to create storage client", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		slog.Error("Storage bucket unavailable", "bucket", cfg.Storage.Bucket, "error", err)
		os.Exit(1)
	}

	var fallbacks []string
	if cfg.Providers.Fallback != "" {
		fallbacks = append(fallbacks, cfg.Providers.Fallback)
	}
	providers := provider.NewRegistry(fallbacks...)
	providers.Register(fal.New(cfg.Providers.FalKey, cfg.Providers.FalBaseURL))
	providers.Register(replicate.New(cfg.Providers.ReplicateToken, cfg.Providers.ReplicateBaseURL))
	providers.Register(mock.New())
	slog.Info("Music providers registered", "primary", cfg.Providers.Primary, "fallback", cfg.Providers.Fallback, "available", providers.Names())

	engine, err := pricing.NewEngine(cfg.Costs)
	if err != nil {
		slog.Error("Invalid pricing configuration", "error", err)
		os.Exit(1)
	}

	// Repositories & ledger
	userRepo := repository.NewUserRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	trackRepo := repository.NewTrackRepo(pool)
	jobsRepo := jobs.NewRepository(pool)
	ledgerSvc := ledger.NewService(pool, userRepo, ledgerRepo)

	gate := quota.NewGate(cfg.FreeMode, counter, logger)
	if cfg.FreeMode.Enabled {
		slog.Warn("FREE MODE enabled: renders are not charged", "daily_renders", cfg.FreeMode.DailyRenders, "max_duration_s", cfg.FreeMode.MaxDurationS)
	}

	refunds := services.NewRefundEngine(pool, ledgerSvc, ledgerRepo, trackRepo, logger)
	orchestrator := services.NewOrchestrator(trackRepo, jobsRepo, providers, store, refunds,
		cfg.Worker.SoftTimeout, cfg.Worker.HardTimeout, logger)

	// Tracks: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn services.InsertGenerateTrackTxFunc
	insertGenerateTrack := func(ctx context.Context, tx pgx.Tx, args execution.GenerateTrackArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	trackSvc := &services.TrackService{
		Pool:            pool,
		Users:           userRepo,
		Tracks:          trackRepo,
		Jobs:            jobsRepo,
		Ledger:          ledgerSvc,
		Gate:            gate,
		Refunds:         refunds,
		Insert:          insertGenerateTrack,
		DefaultProvider: cfg.Providers.Primary,
		Logger:          logger,
	}
	paymentSvc := services.NewPaymentService(engine, userRepo, ledgerSvc, logger)
	accountSvc := services.NewAccountService(userRepo, ledgerSvc, engine, gate)

	// Execution worker: one slot per concurrent render.
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateTrackWorker(orchestrator, cfg.Worker.JobTimeout))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Worker.MaxWorkers},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.GenerateTrackArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(pool, authRepo, ledgerSvc, cfg.JWTSecret, cfg.TrialCredits)

	apiV1Router := router.New(router.Handlers{
		Auth:     auth.NewHandler(authSvc, logger),
		Tracks:   handlers.NewTrackHandler(trackSvc, logger),
		Credits:  handlers.NewCreditsHandler(accountSvc, paymentSvc, logger),
		Webhooks: handlers.NewWebhookHandler(paymentSvc, cfg.WebhookSecret, logger),
		Jobs:     jobs.NewHandler(jobs.NewService(jobsRepo), logger),
	}, middleware.BearerAuth(authSvc, userRepo))

	mux := http.NewServeMux()
	mux.Handle("/api/", apiV1Router)
	RegisterHealthRoutes(mux, pool, redisClient)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes jobs)
	if err := riverClient.Start(workerContext(ctx)); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	serverAddr := "0.0.0.0:" + cfg.Port
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown", "error", err)
	}
	// Stop lets in-flight renders finish until shutdownCtx expires. A render still
	// running after that is rescued by River and retried.
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River client stop", "error", err)
	}
	slog.Info("Shutdown complete")
}

// workerContext keeps the values of ctx but not its cancellation. River jobs
// inherit the context given to Start, so the signal context would cancel every
// in-flight render; shutdown drains them through Stop instead.
func workerContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
