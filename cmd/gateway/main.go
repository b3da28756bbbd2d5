package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/grok-gateway/internal/gateway/attachments"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/clearance"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/orchestrator"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/pool"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/store"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/upstream"
	"github.com/mrmushfiq/grok-gateway/internal/shared/config"
	"github.com/mrmushfiq/grok-gateway/internal/shared/database"
	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
	"github.com/mrmushfiq/grok-gateway/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	setupLogging(cfg.LogLevel)
	log.WithFields(log.Fields{"port": cfg.Port, "env": cfg.Env}).Info("Starting grok gateway")

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis (snapshots and client rate limiting)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Info("✓ Connected to Redis")
	}

	// Initialize snapshot store
	var snapshots pool.Store
	if cfg.SnapshotBackend == "redis" {
		snapshots = store.NewRedis(redisClient)
	} else {
		fileStore, err := store.NewFile(cfg.DataDir)
		if err != nil {
			log.Fatalf("Failed to open data directory: %v", err)
		}
		snapshots = fileStore
	}

	// Initialize credential pool
	rates := pool.DefaultRateTables()
	if cfg.RateTables != nil {
		rates = *cfg.RateTables
	}
	tokens := pool.New(rates, snapshots, pool.WithIntervals(cfg.SweepInterval, cfg.SnapshotInterval))
	if !cfg.CustomSSO {
		fromSnapshot, err := tokens.Restore(ctx, cfg.SSO, cfg.SSOSuper)
		if err != nil {
			log.Fatalf("Failed to restore credential pool: %v", err)
		}
		log.WithFields(log.Fields{
			"snapshot":    fromSnapshot,
			"credentials": len(tokens.Credentials()),
		}).Info("✓ Credential pool ready")
	}
	tokens.Start()

	// Initialize request log
	var (
		requestLog handlers.RequestLogger
		logReader  handlers.LogReader
	)
	if cfg.DatabaseURL != "" {
		db, err := database.New(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		requestLog, logReader = db, db
		log.WithField("driver", cfg.DatabaseDriver).Info("✓ Connected to request log database")
	}

	// Initialize clearance provider
	cf, err := clearance.New(cfg.CFClearance, cfg.CFConfigFile)
	if err != nil {
		log.Fatalf("Failed to load clearance config: %v", err)
	}
	if err := cf.Watch(); err != nil {
		log.WithError(err).Warn("Clearance config will not be reloaded on change")
	}
	defer cf.Close()

	// Initialize upstream client and relay
	client, err := upstream.NewClient(cfg.Proxy, upstream.WithBaseURL(cfg.BaseURL), upstream.WithAssetsURL(cfg.AssetsURL))
	if err != nil {
		log.Fatalf("Failed to create upstream client: %v", err)
	}
	host := attachments.NewImageHost(cfg.PicGoKey, cfg.TumyKey)
	if host != nil {
		log.WithField("host", host.Name()).Info("✓ Image host configured")
	}
	relay := attachments.NewRelay(client, host, cfg.RetryDelay)

	customTier := models.TierNormal
	if cfg.SuperCustomSSO {
		customTier = models.TierSuper
	}
	orch := orchestrator.New(tokens, client, relay, cf, orchestrator.Config{
		MaxAttempts:       cfg.MaxAttempts,
		FileThreshold:     cfg.FileThreshold,
		MaxAttachments:    cfg.MaxAttachments,
		MaxParseFailures:  cfg.MaxParseFailures,
		ShowThinking:      cfg.ShowThinking,
		ShowSearchResults: cfg.ShowSearchResults,
		TempConversation:  cfg.TempConversation,
		CustomCredentials: cfg.CustomSSO,
		CustomTier:        customTier,
	})

	// Initialize handlers
	var limiter handlers.RateLimiter
	if redisClient != nil {
		limiter = redisClient
	}
	router := handlers.NewRouter(
		handlers.NewChatHandler(orch, requestLog),
		handlers.NewAdminHandler(tokens, cf, logReader, cfg.CustomSSO),
		handlers.NewMiddleware(cfg.APIKey, cfg.CustomSSO, limiter, cfg.ClientRateLimit),
	)

	// HTTP server. No write timeout: chat streams run as long as the upstream does.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Infof("🚀 Server listening on http://localhost:%s", cfg.Port)
		log.Info("   POST /v1/chat/completions - Chat completions (OpenAI-compatible)")
		log.Info("   GET  /v1/models           - Model list")
		log.Info("   GET  /get/tokens          - Credential status (admin)")
		log.Info("   GET  /health              - Health check")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown error")
	}
	if err := tokens.Close(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to flush credential pool")
	}

	log.Info("Server stopped")
}

func setupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("Unknown LOG_LEVEL, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
