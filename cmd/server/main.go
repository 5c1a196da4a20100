package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cxcodigodaconversao/crm-bot-api/internal/api"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/provider"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/repository"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/session"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/storage"
	"github.com/cxcodigodaconversao/crm-bot-api/internal/ws"
	"github.com/cxcodigodaconversao/crm-bot-api/pkg/cache"
	"github.com/cxcodigodaconversao/crm-bot-api/pkg/config"
	"github.com/cxcodigodaconversao/crm-bot-api/pkg/database"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize repositories
	repos := repository.NewRepositories(db)

	// Initialize Redis cache
	if cfg.RedisURL != "" {
		redisCache, err := cache.New(cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: Failed to initialize Redis cache: %v (caching disabled)", err)
		} else {
			repos.SetCache(redisCache)
			log.Printf("✅ Redis cache initialized")
		}
	}

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize WhatsApp provider
	ctx := context.Background()
	wa, err := provider.NewWhatsmeow(ctx, cfg.DatabaseURL, repos.Session)
	if err != nil {
		log.Fatalf("Failed to initialize WhatsApp provider: %v", err)
	}

	// Initialize session manager
	manager := session.NewManager(wa, session.Config{
		PollInterval:  cfg.PollInterval,
		PollTimeout:   cfg.PollTimeout,
		PairingWarmup: cfg.PairingWarmup,
		QRMaxAttempts: cfg.QRMaxAttempts,
	})
	manager.SetPersistence(repos.Session, repos.Message)
	manager.SetBroadcaster(hub)

	// Initialize storage (MinIO) for QR image archival
	if cfg.MinioEndpoint != "" {
		store, err := storage.New(storage.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Printf("Warning: Failed to initialize storage: %v (QR archival disabled)", err)
		} else {
			manager.SetArtifactStore(store)
			log.Printf("✅ MinIO storage initialized at %s", cfg.MinioEndpoint)
		}
	}

	// Initialize API server
	server := api.NewServer(cfg, manager, repos, hub)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")

		// Close all WhatsApp sessions
		manager.Shutdown()

		if err := server.Shutdown(); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	log.Printf("🚀 CRM Bot API starting on port %s", cfg.Port)
	if err := server.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
