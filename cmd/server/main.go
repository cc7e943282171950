package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixlift/pixlift/internal"
	"github.com/pixlift/pixlift/internal/billing"
	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/handler"
	"github.com/pixlift/pixlift/internal/metrics"
	"github.com/pixlift/pixlift/internal/middleware"
	"github.com/pixlift/pixlift/internal/provider"
	"github.com/pixlift/pixlift/internal/provider/claid"
	"github.com/pixlift/pixlift/internal/provider/fal"
	"github.com/pixlift/pixlift/internal/provider/mock"
	"github.com/pixlift/pixlift/internal/provider/runware"
	"github.com/pixlift/pixlift/internal/service"
	"github.com/pixlift/pixlift/internal/storage"
	"github.com/pixlift/pixlift/internal/store"
	"github.com/pixlift/pixlift/internal/worker"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// ==========================================================================
	// Persistence
	// ==========================================================================

	var st store.Store
	switch cfg.StoreDriver {
	case "postgres":
		db, err := sql.Open("pgx", cfg.DatabaseUrl)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}

		if err := internal.RunMigrations(db); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("Database ready")

		st = store.NewPostgresStore(db)
	case "memory":
		logger.Warn("Using in-memory store; all data is lost on restart")
		st = store.NewMemoryStore()
	}

	// ==========================================================================
	// File storage
	// ==========================================================================

	var files storage.Storage
	switch cfg.StorageProvider {
	case "spaces":
		files, err = storage.NewSpacesStorage(storage.SpacesConfig{
			Region:          cfg.SpacesRegion,
			AccessKeyID:     cfg.SpacesKey,
			SecretAccessKey: cfg.SpacesSecret,
			BucketName:      cfg.SpacesBucket,
			PublicURL:       cfg.SpacesCDNEndpoint,
		}, logger)
		if err != nil {
			return fmt.Errorf("spaces storage initialization failed: %w", err)
		}
	default:
		files, err = storage.NewLocalStorage(storage.LocalConfig{
			BasePath: cfg.LocalStoragePath,
			BaseURL:  cfg.LocalStorageURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("local storage initialization failed: %w", err)
		}
	}

	// ==========================================================================
	// Upscale providers
	// ==========================================================================

	providerCfg := provider.Config{
		MaxRetries:     cfg.ProviderRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RequestTimeout: cfg.ProviderTimeout,
	}

	var registry provider.Registry
	if cfg.UpscaleProvider == "live" {
		claidClient, err := claid.New(cfg.ClaidAPIKey, providerCfg, logger)
		if err != nil {
			return fmt.Errorf("claid client initialization failed: %w", err)
		}
		falClient, err := fal.New(cfg.FalAPIKey, providerCfg, logger)
		if err != nil {
			return fmt.Errorf("fal client initialization failed: %w", err)
		}
		runwareClient, err := runware.New(cfg.RunwareAPIKey, providerCfg, logger)
		if err != nil {
			return fmt.Errorf("runware client initialization failed: %w", err)
		}
		registry = provider.NewRegistry(claidClient, falClient, runwareClient)
	} else {
		logger.Warn("Using mock upscale providers")
		registry = provider.NewRegistry(
			mock.New(domain.ProviderClaid, logger),
			mock.New(domain.ProviderFal, logger),
			mock.New(domain.ProviderRunware, logger),
		)
	}

	// ==========================================================================
	// Services
	// ==========================================================================

	executor, err := worker.New(worker.Config{
		Concurrency:     cfg.WorkerConcurrency,
		QueueSize:       cfg.WorkerQueueSize,
		TaskTimeout:     cfg.WorkerJobTimeout,
		ShutdownTimeout: 30 * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("worker initialization failed: %w", err)
	}

	ledger := service.NewLedgerService(st, logger)
	upscaleSvc := service.NewUpscaleService(st, ledger, registry, files, executor, service.UpscaleConfig{
		FallbackEnabled:   cfg.FallbackEnabled,
		StaleJobThreshold: cfg.StaleJobThreshold,
	}, nil, logger)

	if cfg.WorkerEnabled {
		executor.Start(ctx)

		// Jobs stranded in processing by a previous crash fail and refund now.
		if err := upscaleSvc.RecoverStale(ctx); err != nil {
			logger.Error("stale job recovery failed", "error", err)
		}
	} else {
		logger.Warn("Worker disabled; submitted jobs will be rejected")
	}

	catalog := billing.NewCatalog(billing.CatalogConfig{
		VariantStarter:  cfg.VariantStarter,
		VariantPopular:  cfg.VariantPopular,
		VariantPro:      cfg.VariantPro,
		VariantBasicSub: cfg.VariantBasicSub,
		VariantProSub:   cfg.VariantProSub,
	})

	var checkout *billing.CheckoutClient
	if cfg.LemonSqueezyAPIKey != "" && cfg.LemonSqueezyStoreID != "" {
		checkout, err = billing.NewCheckoutClient(
			cfg.LemonSqueezyAPIKey,
			cfg.LemonSqueezyStoreID,
			cfg.BaseURL+"/account",
			logger,
		)
		if err != nil {
			return fmt.Errorf("checkout client initialization failed: %w", err)
		}
	} else {
		logger.Warn("Lemon Squeezy is not configured; checkout is disabled")
	}

	processor := billing.NewProcessor(st, ledger, catalog, logger)

	// ==========================================================================
	// Middleware and handlers
	// ==========================================================================

	loggingMw := middleware.NewRequestLoggingMiddleware(logger)
	authMw := middleware.NewAuthMiddleware(st, logger)
	submitLimiter := middleware.NewRateLimiter(cfg.SubmitRateLimit, cfg.SubmitRateWindow, logger)
	rateMw := middleware.NewRateLimitMiddleware(submitLimiter, logger)

	upscaleHandler := handler.NewUpscaleHandler(upscaleSvc, logger)
	creditsHandler := handler.NewCreditsHandler(ledger, logger)
	uploadHandler := handler.NewUploadHandler(files, logger)
	billingHandler := handler.NewBillingHandler(catalog, checkout, logger)
	webhookHandler := handler.NewWebhookHandler(processor, cfg.LemonSqueezyWebhookSecret, logger)

	// ==========================================================================
	// Routes
	// ==========================================================================

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.Handle("GET /metrics", metricsAuth(cfg.MetricsUsername, cfg.MetricsPassword, promhttp.Handler()))

	// Locally stored files are served straight from disk; Spaces objects are
	// fetched from the bucket or CDN and never pass through here.
	if cfg.StorageProvider == "local" {
		fileFS := http.FileServer(http.Dir(cfg.LocalStoragePath))
		mux.Handle("GET /files/", http.StripPrefix("/files/", fileFS))
	}

	// Webhooks are public; authentication is the payload signature. An
	// unconfigured secret would make that check forgeable, so the route only
	// exists when a secret is set.
	if cfg.LemonSqueezyWebhookSecret != "" {
		mux.HandleFunc("POST /webhooks/lemonsqueezy", webhookHandler.HandleLemonSqueezyWebhook)
	} else {
		logger.Warn("LEMONSQUEEZY_WEBHOOK_SECRET is not set; webhook route disabled")
	}

	requireUser := middleware.Stack(authMw.WithUser, authMw.RequireUser)

	mux.Handle("POST /api/upload", requireUser(http.HandlerFunc(uploadHandler.Upload)))
	mux.Handle("POST /api/upscale", middleware.Stack(authMw.WithUser, authMw.RequireUser, rateMw.Limit)(http.HandlerFunc(upscaleHandler.Submit)))
	mux.Handle("GET /api/upscale/{jobID}", requireUser(http.HandlerFunc(upscaleHandler.GetJob)))
	mux.Handle("GET /api/user/credits", authMw.WithUser(http.HandlerFunc(creditsHandler.GetCredits)))
	mux.HandleFunc("GET /api/billing/catalog", billingHandler.GetCatalog)
	mux.Handle("POST /api/billing/checkout", requireUser(http.HandlerFunc(billingHandler.CreateCheckout)))

	root := middleware.Stack(loggingMw.Handler, metrics.Middleware)(mux)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	// Stop accepting new tasks and let in-flight jobs finish.
	if cfg.WorkerEnabled {
		executor.Stop()
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// metricsAuth wraps the metrics endpoint in basic auth when credentials are
// configured. Without credentials the endpoint is open, which is only
// acceptable behind a private network.
func metricsAuth(username, password string, next http.Handler) http.Handler {
	if username == "" && password == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != username || pass != password {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
