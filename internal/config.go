package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Persistence. STORE_DRIVER selects "postgres" (default) or "memory";
	// the memory driver exists for local development without a database.
	StoreDriver string
	DatabaseUrl string

	// Application base URL (for checkout redirects)
	BaseURL string

	// Storage Configuration
	StorageProvider string // "local" or "spaces"

	// Local Storage (development)
	LocalStoragePath string // Base directory for local file storage
	LocalStorageURL  string // Base URL for accessing local files

	// DigitalOcean Spaces (production)
	SpacesRegion      string
	SpacesKey         string
	SpacesSecret      string
	SpacesBucket      string
	SpacesCDNEndpoint string // Optional CDN URL for public objects

	// Worker Configuration
	WorkerEnabled     bool
	WorkerConcurrency int
	WorkerQueueSize   int
	WorkerJobTimeout  time.Duration
	StaleJobThreshold time.Duration

	// Upscale provider configuration
	UpscaleProvider  string // "live" or "mock"
	ClaidAPIKey      string
	FalAPIKey        string
	RunwareAPIKey    string
	FallbackEnabled  bool // retry the category's fallback provider on primary failure
	ProviderTimeout  time.Duration
	ProviderRetries  int
	RetryBaseDelay   time.Duration

	// Lemon Squeezy billing configuration.
	// Checkout and the webhook route are disabled when these are empty.
	LemonSqueezyAPIKey        string
	LemonSqueezyStoreID       string
	LemonSqueezyWebhookSecret string

	// Lemon Squeezy variant IDs for credit packages and subscription plans
	VariantStarter  string
	VariantPopular  string
	VariantPro      string
	VariantBasicSub string
	VariantProSub   string

	// Rate limiting for job submission
	SubmitRateLimit  int
	SubmitRateWindow time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		StoreDriver: getEnv("STORE_DRIVER", "postgres"),

		// Base URL defaults to localhost for development
		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./storage"),
		LocalStorageURL:  getEnv("LOCAL_STORAGE_URL", "http://localhost:8080/files"),

		// Spaces configuration (production only)
		SpacesRegion:      getEnv("DO_SPACES_REGION", "nyc3"),
		SpacesKey:         getEnv("DO_SPACES_KEY", ""),
		SpacesSecret:      getEnv("DO_SPACES_SECRET", ""),
		SpacesBucket:      getEnv("DO_SPACES_BUCKET", ""),
		SpacesCDNEndpoint: getEnv("DO_SPACES_CDN_ENDPOINT", ""),

		// Worker defaults
		WorkerEnabled:     getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		WorkerQueueSize:   getEnvInt("WORKER_QUEUE_SIZE", 64),
		WorkerJobTimeout:  getEnvDuration("WORKER_JOB_TIMEOUT", 5*time.Minute),
		StaleJobThreshold: getEnvDuration("STALE_JOB_THRESHOLD", 15*time.Minute),

		// Upscale provider defaults
		UpscaleProvider: getEnv("UPSCALE_PROVIDER", "mock"),
		ClaidAPIKey:     getEnv("CLAID_API_KEY", ""),
		FalAPIKey:       getEnv("FAL_KEY", ""),
		RunwareAPIKey:   getEnv("RUNWARE_API_KEY", ""),
		FallbackEnabled: getEnvBool("UPSCALE_FALLBACK_ENABLED", false),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 120*time.Second),
		ProviderRetries: getEnvInt("PROVIDER_MAX_RETRIES", 2),
		RetryBaseDelay:  getEnvDuration("PROVIDER_RETRY_BASE_DELAY", 1*time.Second),

		// Lemon Squeezy billing (optional; checkout and webhooks disable without these)
		LemonSqueezyAPIKey:        getEnv("LEMONSQUEEZY_API_KEY", ""),
		LemonSqueezyStoreID:       getEnv("LEMONSQUEEZY_STORE_ID", ""),
		LemonSqueezyWebhookSecret: getEnv("LEMONSQUEEZY_WEBHOOK_SECRET", ""),

		VariantStarter:  getEnv("LS_VARIANT_STARTER", ""),
		VariantPopular:  getEnv("LS_VARIANT_POPULAR", ""),
		VariantPro:      getEnv("LS_VARIANT_PRO", ""),
		VariantBasicSub: getEnv("LS_VARIANT_BASIC_SUB", ""),
		VariantProSub:   getEnv("LS_VARIANT_PRO_SUB", ""),

		SubmitRateLimit:  getEnvInt("SUBMIT_RATE_LIMIT", 10),
		SubmitRateWindow: getEnvDuration("SUBMIT_RATE_WINDOW", 1*time.Minute),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Database is required unless running on the memory store
	switch cfg.StoreDriver {
	case "postgres":
		cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
		if cfg.DatabaseUrl == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is 'postgres'")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be either 'postgres' or 'memory', got: %s", cfg.StoreDriver)
	}

	// Validate storage configuration
	if cfg.StorageProvider == "spaces" {
		if cfg.SpacesKey == "" {
			return nil, fmt.Errorf("DO_SPACES_KEY is required when STORAGE_PROVIDER is 'spaces'")
		}
		if cfg.SpacesSecret == "" {
			return nil, fmt.Errorf("DO_SPACES_SECRET is required when STORAGE_PROVIDER is 'spaces'")
		}
		if cfg.SpacesBucket == "" {
			return nil, fmt.Errorf("DO_SPACES_BUCKET is required when STORAGE_PROVIDER is 'spaces'")
		}
	} else if cfg.StorageProvider != "local" {
		return nil, fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'spaces', got: %s", cfg.StorageProvider)
	}

	// Validate upscale provider configuration
	if cfg.UpscaleProvider == "live" {
		if cfg.ClaidAPIKey == "" {
			return nil, fmt.Errorf("CLAID_API_KEY is required when UPSCALE_PROVIDER is 'live'")
		}
		if cfg.FalAPIKey == "" {
			return nil, fmt.Errorf("FAL_KEY is required when UPSCALE_PROVIDER is 'live'")
		}
		if cfg.RunwareAPIKey == "" {
			return nil, fmt.Errorf("RUNWARE_API_KEY is required when UPSCALE_PROVIDER is 'live'")
		}
	} else if cfg.UpscaleProvider != "mock" {
		return nil, fmt.Errorf("UPSCALE_PROVIDER must be either 'live' or 'mock', got: %s", cfg.UpscaleProvider)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
