package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-quota/config"
	"github.com/vnmchuo/llm-quota/internal/budget"
	"github.com/vnmchuo/llm-quota/internal/counter"
	"github.com/vnmchuo/llm-quota/internal/telemetry"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-quota-counter", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Build the budget groups
	completion := budget.NewPair(
		budget.New("completion-tokens", cfg.CompletionTokenLimit, budget.ReasonTokenLimit),
		budget.New("completion-requests", cfg.CompletionRequestLimit, budget.ReasonRateLimit),
	)
	embedding := budget.NewPair(
		budget.New("embedding-tokens", cfg.EmbeddingTokenLimit, budget.ReasonTokenLimit),
		budget.New("embedding-requests", cfg.EmbeddingRequestLimit, budget.ReasonRateLimit),
	)
	whisper := budget.New("whisper-requests", cfg.WhisperRequestLimit, budget.ReasonRateLimit)

	// 4. Init handler and router
	tracer := otel.GetTracerProvider().Tracer("llm-quota-counter")
	handler := counter.NewHandler(completion, embedding, whisper, tracer)
	router := counter.NewRouter(handler, counter.Limits{
		CompletionTokensPerMinute:   cfg.CompletionTokenLimit,
		CompletionRequestsPerMinute: cfg.CompletionRequestLimit,
		EmbeddingTokensPerMinute:    cfg.EmbeddingTokenLimit,
		EmbeddingRequestsPerMinute:  cfg.EmbeddingRequestLimit,
		WhisperRequestsPerMinute:    cfg.WhisperRequestLimit,
	})

	// 5. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Counter starting on port %s (completion %d tok / %d req, embedding %d tok / %d req, whisper %d req per minute)",
			cfg.Port, cfg.CompletionTokenLimit, cfg.CompletionRequestLimit,
			cfg.EmbeddingTokenLimit, cfg.EmbeddingRequestLimit, cfg.WhisperRequestLimit)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Counter stopped")
}
