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

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"

	"github.com/inaiurai/genbot/internal/auth"
	"github.com/inaiurai/genbot/internal/billing"
	"github.com/inaiurai/genbot/internal/chat"
	"github.com/inaiurai/genbot/internal/config"
	"github.com/inaiurai/genbot/internal/dashboard"
	"github.com/inaiurai/genbot/internal/db"
	"github.com/inaiurai/genbot/internal/events"
	"github.com/inaiurai/genbot/internal/execution"
	"github.com/inaiurai/genbot/internal/handlers"
	"github.com/inaiurai/genbot/internal/imagegen"
	"github.com/inaiurai/genbot/internal/ledger"
	"github.com/inaiurai/genbot/internal/llm"
	"github.com/inaiurai/genbot/internal/lock"
	"github.com/inaiurai/genbot/internal/repository"
	"github.com/inaiurai/genbot/internal/router"
	"github.com/inaiurai/genbot/internal/storage"
	"github.com/inaiurai/genbot/internal/tasks"
	"github.com/inaiurai/genbot/internal/users"
	"github.com/inaiurai/genbot/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv(config.EnvConfigFile))
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := db.Migrate(ctx, pool, logger); err != nil {
		slog.Error("Migrations failed", "error", err)
		os.Exit(1)
	}

	// Repositories
	userRepo := repository.NewUserRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)
	configRepo := repository.NewConfigRepo(pool)

	runtime := config.NewRuntime(configRepo, config.DefaultCacheTTL, logger)
	if err := runtime.Refresh(ctx); err != nil {
		slog.Warn("Runtime config not loaded, using defaults", "error", err)
	}

	ledgerSvc := ledger.NewService(userRepo, creditRepo, logger)
	taskStore := tasks.NewStore(taskRepo, logger)

	// Optional infrastructure: each falls back to an in-process stand-in.
	var publisher events.Publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		p, err := events.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			slog.Error("Failed to create Kafka publisher", "error", err)
			os.Exit(1)
		}
		publisher = p
		slog.Info("Publishing task events to Kafka", "topic", cfg.Kafka.Topic)
	}
	defer publisher.Close()

	var locker lock.Locker = lock.Noop{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, callback locks degrade to status guards", "error", err)
		}
		locker = lock.NewRedisLocker(rdb, "genbot:lock:", cfg.Redis.LockTTL)
	}

	var files storage.Store = storage.NewMemory()
	if cfg.S3.Bucket != "" {
		s3Store, err := storage.NewS3Store(ctx, cfg.S3)
		if err != nil {
			slog.Error("Failed to create S3 store", "error", err)
			os.Exit(1)
		}
		files = s3Store
	} else {
		slog.Warn("No S3 bucket configured, files are kept in memory")
	}

	imageAPI := imagegen.NewClient(cfg.ImageAPI)
	chatAPI := llm.NewClient(cfg.LLM)

	// Billing: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn billing.InsertJobTxFunc
	insertJob := func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	billingSvc := billing.NewService(pool, userRepo, ledgerSvc, taskStore, insertJob, publisher, logger)
	userSvc := users.NewService(pool, userRepo, ledgerSvc, runtime, logger)
	chatSvc := chat.NewService(pool, userRepo, ledgerSvc, chatAPI, runtime, userSvc, insertJob, logger)

	// Workers
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewSubmitImageWorker(billingSvc, files, imageAPI, logger))
	river.AddWorker(workers, execution.NewRefundTaskWorker(billingSvc, logger))
	river.AddWorker(workers, execution.NewSweepStuckTasksWorker(billingSvc, taskStore, cfg.Sweep.StuckAfter, cfg.Sweep.PendingAfter, logger))
	river.AddWorker(workers, execution.NewRefundChatWorker(chatSvc, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers.MaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.PeriodicJob(cfg.Sweep.Period)},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// HTTP
	authSvc := auth.NewService(auth.Config{
		Secret:         cfg.Auth.Secret,
		TokenTTL:       cfg.Auth.TokenTTL,
		ServiceKeyHash: cfg.Auth.ServiceKeyHash,
		AdminKeyHash:   cfg.Auth.AdminKeyHash,
	})
	reconciler := webhook.NewReconciler(billingSvc, files, locker, logger)

	api := router.New(router.Deps{
		Auth:        auth.NewHandler(authSvc, logger),
		Tokens:      authSvc,
		Maintenance: runtime,
		Users:       &handlers.UserHandler{Users: userSvc, Ledger: ledgerSvc, Tasks: taskStore, Logger: logger},
		Tasks:       &handlers.TaskHandler{Tasks: billingSvc, Balances: userRepo, Costs: runtime, Uploads: files, Logger: logger},
		Chat:        &handlers.ChatHandler{Sender: chatSvc, Logger: logger},
		Admin:       dashboard.NewHandler(taskStore, billingSvc, imageAPI, runtime, logger),
		Webhooks:    webhook.NewHandler(reconciler, logger),
		Logger:      logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(api)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River stop", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
