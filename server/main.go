package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shopdock/poflow/server/capability"
	"github.com/shopdock/poflow/server/config"
	"github.com/shopdock/poflow/server/dbgateway"
	"github.com/shopdock/poflow/server/middleware"
	"github.com/shopdock/poflow/server/persist"
	"github.com/shopdock/poflow/server/polock"
	"github.com/shopdock/poflow/server/progress"
	"github.com/shopdock/poflow/server/queue"
	"github.com/shopdock/poflow/server/stagestore"
	"github.com/shopdock/poflow/server/store"
	"github.com/shopdock/poflow/server/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Primary gateway goes through the pooler; the direct gateway carries the
	// reconciler's scans.
	gw, err := dbgateway.New(ctx, dbgateway.Config{
		URL:          cfg.DatabaseURL,
		PoolSize:     cfg.DBPoolSize,
		ConnMaxAge:   cfg.DBConnMaxAge,
		WarmupWindow: cfg.DBWarmupWindow,
	})
	if err != nil {
		log.Fatalf("database gateway: %v", err)
	}
	defer gw.Close()

	directGW, err := dbgateway.New(ctx, dbgateway.Config{
		URL:          cfg.DirectDatabaseURL,
		PoolSize:     2,
		ConnMaxAge:   cfg.DBConnMaxAge,
		WarmupWindow: cfg.DBWarmupWindow,
	})
	if err != nil {
		log.Fatalf("direct database gateway: %v", err)
	}
	defer directGW.Close()

	db := store.NewPostgresStore(gw)
	directDB := store.NewPostgresStore(directGW)

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()

	runtime, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("queue runtime: %v", err)
	}

	locks := polock.NewManager(rdb)
	stages := stagestore.New(rdb)
	bus := progress.NewBus(rdb)
	files := capability.NewRedisFileStore(rdb)
	persister := persist.NewService(gw, locks)

	orch := workflow.New(workflow.Deps{
		Store:     db,
		Queue:     runtime,
		Stages:    stages,
		Locks:     locks,
		Progress:  bus,
		Persister: persister,
		Files:     files,
		Parser:    capability.NewCSVParser(),
		Shopify:   capability.NewLocalShopify(),
		Images:    capability.NoImageSearcher{},
	}, cfg.AsyncImageProcessing)

	if err := orch.RegisterHandlers(); err != nil {
		log.Fatalf("register stage handlers: %v", err)
	}
	runtime.Start(ctx)
	defer runtime.Stop()

	hub := NewProgressHub(rdb)
	go hub.Run(ctx)

	reconciler := NewReconciler(directDB, orch, cfg.ReconcilerStartDelay, cfg.ReconcilerInterval, cfg.ReconcilerStaleCutoff)
	go reconciler.Run(ctx)

	sessions := middleware.NewSessions(cfg.SessionSecret)
	api := NewAPI(db, orch, runtime, files, hub, sessions)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		if !gw.WarmupComplete() {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	api.Routes(mux)

	handler := middleware.CORS(mux)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}

	go func() {
		<-ctx.Done()
		log.Println("[MAIN] shutting down")
		srv.Shutdown(context.Background()) //nolint:errcheck
	}()

	log.Printf("[MAIN] poflow server listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
