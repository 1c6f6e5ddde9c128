package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-quota/config"
	"github.com/vnmchuo/llm-quota/internal/pipeline"
	"github.com/vnmchuo/llm-quota/internal/provider/openai"
	"github.com/vnmchuo/llm-quota/internal/queue"
	"github.com/vnmchuo/llm-quota/internal/telemetry"
	"github.com/vnmchuo/llm-quota/internal/tokencount"
	"github.com/vnmchuo/llm-quota/internal/usagelog"
	"github.com/vnmchuo/llm-quota/internal/worker"
	"github.com/vnmchuo/llm-quota/pkg/quota"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-quota-reasoner", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 4. Usage log (optional)
	var usage usagelog.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected, usage log enabled")
		usage = usagelog.NewPostgresStore(pool)
	}

	// 5. Queue broker
	consumer := "reasoner-" + uuid.NewString()
	broker := queue.NewBroker(rdb, cfg.InQueueName, "reasoner", consumer)
	if err := broker.EnsureGroup(ctx); err != nil {
		log.Fatalf("failed to init queue: %v", err)
	}

	// 6. Counter client and provider
	quotaClient := quota.NewClient(cfg.CounterBaseURL, cfg.AppID,
		time.Duration(cfg.CounterHTTPTimeoutSeconds)*time.Second)
	svc := openai.New(openai.Options{
		Endpoint:            cfg.ProviderEndpoint,
		APIKey:              cfg.ProviderAPIKey,
		ChatDeployment:      cfg.ProviderDeployment,
		EmbeddingDeployment: cfg.EmbeddingDeployment,
		Timeout:             time.Duration(cfg.ProviderHTTPTimeoutSeconds) * time.Second,
		AppID:               cfg.AppID,
		Quota:               quotaClient,
		Estimator:           tokencount.NewEstimator(),
		Usage:               usage,
	})

	// 7. Pipeline and worker loop
	processor := pipeline.NewReasoner(svc, svc, broker, cfg.OutQueueName)
	loop := worker.NewLoop(broker, processor, quota.NewCoordinator(quotaClient))

	go runInfoServer(cfg, "Reasoner")

	log.Printf("Reasoner consuming %s -> %s as %s", cfg.InQueueName, cfg.OutQueueName, consumer)
	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("worker loop error: %v", err)
	}
	log.Println("Reasoner stopped")
}

// runInfoServer exposes the health and info endpoints every worker
// carries alongside its loop.
func runInfoServer(cfg *config.Config, app string) {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"app":    app,
			"status": "running",
			"queues": map[string]string{"in": cfg.InQueueName, "out": cfg.OutQueueName},
		})
	})
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Printf("info server stopped: %v", err)
	}
}
