// Command server runs the media generation control plane: the HTTP API, the
// websocket event stream and the background scheduler.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/backend/internal/config"
	"github.com/mediaforge/backend/internal/events"
	"github.com/mediaforge/backend/internal/handlers"
	"github.com/mediaforge/backend/internal/ledger"
	"github.com/mediaforge/backend/internal/middleware"
	"github.com/mediaforge/backend/internal/monitoring"
	"github.com/mediaforge/backend/internal/pricing"
	"github.com/mediaforge/backend/internal/provider"
	"github.com/mediaforge/backend/internal/scheduler"
	"github.com/mediaforge/backend/internal/storage"
	"github.com/mediaforge/backend/internal/task"
	ws "github.com/mediaforge/backend/internal/websocket"
	"github.com/mediaforge/backend/internal/workflow"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	log := slog.With("component", "main")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Warn("config file unavailable, using defaults", "path", cfgPath, "error", err)
		cfg = config.Default()
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	pingCancel()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	// Event bus: Redis when reachable so every pod sees every event,
	// in-process otherwise.
	var bus events.Bus
	if rdb != nil {
		if rb, err := events.NewRedisBus(ctx, rdb); err == nil {
			bus = rb
		} else {
			log.Warn("redis bus unavailable, using local bus", "error", err)
		}
	}
	if bus == nil {
		bus = events.NewLocalBus()
	}
	defer bus.Close()

	objects, err := storage.NewSupabaseStore(cfg.Storage.SupabaseURL, cfg.Storage.ServiceKey, cfg.Storage.Bucket)
	if err != nil {
		log.Error("object store init failed", "error", err)
		os.Exit(1)
	}

	metrics := monitoring.NewMetrics()

	registry := provider.NewRegistry(cfg.Providers.MaxConcurrentCalls, metrics)
	for taskType, ep := range cfg.Providers.Endpoints {
		sync := !task.Type(taskType).Async()
		registry.Register(taskType, provider.NewHTTPAdapter(taskType, ep, sync))
	}

	ldg := ledger.New(db, rdb, metrics)
	table := pricing.NewTable(cfg.Pricing)

	taskStore := task.NewPostgresStore(db)
	taskEngine := task.NewEngine(taskStore, ldg, registry, objects, table, bus, metrics, cfg.Tasks)

	runStore := workflow.NewPostgresStore(db)
	runEngine := workflow.NewEngine(runStore, taskEngine, bus, metrics)

	sched := scheduler.New(cfg.Scheduler, cfg.Tasks, taskStore, taskEngine, runStore, runEngine, ldg, metrics)
	sched.Start()
	defer sched.Stop()

	streamer := ws.NewStreamer(bus)
	go streamer.Run()
	defer streamer.Close()

	limiter := middleware.NewRateLimiter(240)
	defer limiter.Close()

	r := mux.NewRouter()
	r.HandleFunc("/healthz", handlers.HandleHealth(db, rdb)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", streamer.Handle)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Logging, limiter.Middleware)

	api.HandleFunc("/accounts", handlers.HandleCreateAccount(ldg)).Methods(http.MethodPost)
	api.HandleFunc("/balance", handlers.HandleGetBalance(ldg)).Methods(http.MethodGet)
	api.HandleFunc("/transactions", handlers.HandleListTransactions(ldg)).Methods(http.MethodGet)

	api.HandleFunc("/tasks", handlers.HandleCreateTask(taskEngine)).Methods(http.MethodPost)
	api.HandleFunc("/tasks", handlers.HandleListTasks(taskEngine)).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{taskID:[0-9]+}", handlers.HandleGetTask(taskEngine)).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{taskID:[0-9]+}/cancel", handlers.HandleCancelTask(taskEngine)).Methods(http.MethodPost)

	api.HandleFunc("/workflows", handlers.HandleCreateWorkflow(runEngine)).Methods(http.MethodPost)
	api.HandleFunc("/workflows", handlers.HandleListWorkflows(runEngine)).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{workflowID:[0-9]+}", handlers.HandleGetWorkflow(runEngine)).Methods(http.MethodGet)

	api.HandleFunc("/runs", handlers.HandleStartRun(runEngine)).Methods(http.MethodPost)
	api.HandleFunc("/runs", handlers.HandleListRuns(runEngine)).Methods(http.MethodGet)
	api.HandleFunc("/runs/{runID:[0-9]+}", handlers.HandleGetRun(runEngine)).Methods(http.MethodGet)

	api.HandleFunc("/recharges", handlers.HandleCreateRecharge(ldg, cfg.Recharge)).Methods(http.MethodPost)
	api.HandleFunc("/recharges/callback/{provider}", handlers.HandleRechargeCallback(ldg, cfg.Recharge, bus)).Methods(http.MethodPost)
	api.HandleFunc("/recharges/{outTradeNo}", handlers.HandleGetRecharge(ldg)).Methods(http.MethodGet)
	api.HandleFunc("/recharges/{outTradeNo}/close", handlers.HandleCloseRecharge(ldg)).Methods(http.MethodPost)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("http server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
}
