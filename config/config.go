package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Counter limits (per minute)
	CompletionTokenLimit   int // default: 100000
	CompletionRequestLimit int // default: 100
	EmbeddingTokenLimit    int // default: 1000000
	EmbeddingRequestLimit  int // default: 500
	WhisperRequestLimit    int // default: 15

	// Counter client
	CounterBaseURL string // default: http://localhost:8080
	AppID          string

	// Provider
	ProviderEndpoint        string
	ProviderAPIKey          string
	ProviderDeployment      string // chat deployment name
	EmbeddingDeployment     string
	TranscriptionDeployment string

	// Queue (Redis Streams)
	RedisAddr    string
	InQueueName  string
	OutQueueName string

	// Transcriber
	AudioDir string // default: ./audio

	// Usage log (optional, disabled when DSN is empty)
	PostgresDSN string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// HTTP timeouts
	CounterHTTPTimeoutSeconds  int // default: 10
	ProviderHTTPTimeoutSeconds int // default: 120
}

// Load reads configuration from the environment, with a .env file as an
// optional overlay. Per-binary requirements are checked by the Validate
// methods so the counter does not demand worker settings and vice versa.
func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		CounterBaseURL:          getEnv("COUNTER_BASE_URL", "http://localhost:8080"),
		AppID:                   getEnv("APP_ID", "default_app"),
		ProviderEndpoint:        os.Getenv("PROVIDER_ENDPOINT"),
		ProviderAPIKey:          os.Getenv("PROVIDER_API_KEY"),
		ProviderDeployment:      getEnv("PROVIDER_DEPLOYMENT", "gpt-4o"),
		EmbeddingDeployment:     getEnv("EMBEDDING_DEPLOYMENT", "text-embedding-3-small"),
		TranscriptionDeployment: getEnv("TRANSCRIPTION_DEPLOYMENT", "whisper-1"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		InQueueName:             getEnv("IN_QUEUE_NAME", "jobs-in"),
		OutQueueName:            getEnv("OUT_QUEUE_NAME", "jobs-out"),
		AudioDir:                getEnv("AUDIO_DIR", "./audio"),
		PostgresDSN:             os.Getenv("POSTGRES_DSN"),
		OTELExporterType:        getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint:    getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"OPENAI_TOKEN_LIMIT_PER_MINUTE", 100000, &cfg.CompletionTokenLimit},
		{"API_RATE_LIMIT_PER_MINUTE", 100, &cfg.CompletionRequestLimit},
		{"EMBEDDING_TOKEN_LIMIT_PER_MINUTE", 1000000, &cfg.EmbeddingTokenLimit},
		{"EMBEDDING_RATE_LIMIT_PER_MINUTE", 500, &cfg.EmbeddingRequestLimit},
		{"WHISPER_RATE_LIMIT_PER_MINUTE", 15, &cfg.WhisperRequestLimit},
		{"COUNTER_HTTP_TIMEOUT_SECONDS", 10, &cfg.CounterHTTPTimeoutSeconds},
		{"PROVIDER_HTTP_TIMEOUT_SECONDS", 120, &cfg.ProviderHTTPTimeoutSeconds},
	}
	for _, i := range ints {
		v, err := getEnvInt(i.key, i.fallback)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %d", i.key, v)
		}
		*i.dst = v
	}

	return cfg, nil
}

// ValidateWorker checks the settings every worker binary needs.
func (c *Config) ValidateWorker() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.ProviderEndpoint == "" {
		return fmt.Errorf("PROVIDER_ENDPOINT is required")
	}
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
