package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/salmart/salmart-backend/internal/bargain"
	"github.com/salmart/salmart-backend/internal/config"
	"github.com/salmart/salmart-backend/internal/database"
	"github.com/salmart/salmart-backend/internal/handlers"
	"github.com/salmart/salmart-backend/internal/middleware"
	"github.com/salmart/salmart-backend/internal/routes"
	"github.com/salmart/salmart-backend/internal/services"
)

func main() {
	// Load env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Message store
	var store services.MessageStore
	if cfg.MessageStore == "memory" {
		log.Println("⚠️  WARNING: MESSAGE_STORE=memory, messages are lost on restart")
		store = services.NewMemoryMessageStore()
	} else {
		log.Printf("Connecting to MongoDB at %s", database.MaskURI(cfg.MongoURI))
		if err := database.Connect(cfg.MongoURI, cfg.MongoDatabase); err != nil {
			log.Fatal("Failed to connect to MongoDB:", err)
		}
		defer database.Disconnect()

		mongoStore := services.NewMongoMessageStore(database.DB)
		if err := mongoStore.EnsureChatIndexes(ctx); err != nil {
			log.Printf("⚠️  WARNING: failed to ensure MongoDB chat indexes: %v", err)
		} else {
			log.Println("✅ MongoDB chat indexes ensured")
		}
		store = mongoStore
	}

	// Redis: multi-instance fan-out, presence, history cache, send limits
	var presence services.PresenceRegistry
	var cache *services.CacheService
	if cfg.RedisURI != "" {
		log.Printf("Connecting to Redis...")
		if err := database.ConnectRedis(cfg.RedisURI); err != nil {
			log.Fatal("Failed to connect to Redis:", err)
		}
		defer database.DisconnectRedis()

		cache = services.NewCacheService(database.RedisClient)
		presence = services.NewRedisPresence(database.RedisClient, cfg.PresenceTTL)
		store = services.NewCachedMessageStore(store, cache, cfg.HistoryCacheTTL)
	} else {
		log.Println("⚠️  WARNING: REDIS_URI not set; running as a single instance without history cache")
	}

	hub := services.NewHub(presence)
	var publisher services.Publisher = hub
	if database.RedisClient != nil {
		rp := services.NewRedisPublisher(database.RedisClient, hub)
		go rp.RunSubscriber(ctx)
		publisher = rp
	}

	// Accounts and listings
	var users services.UserDirectory
	var bargainOpts []bargain.Option
	if cfg.PostgresURI != "" {
		log.Printf("Connecting to PostgreSQL...")
		if err := database.ConnectPostgres(cfg.PostgresURI); err != nil {
			log.Fatal("Failed to connect to PostgreSQL:", err)
		}
		defer database.DisconnectPostgres()
		users = services.NewPostgresUserDirectory(database.PostgresDB)
		if cache.Enabled() {
			users = services.NewCachedUserDirectory(users, cache)
		}
		products := services.NewPostgresProductDirectory(database.PostgresDB)
		bargainOpts = append(bargainOpts, bargain.WithSellerResolver(products.Resolver()))
	} else {
		log.Println("⚠️  WARNING: POSTGRES_URI not set; receivers are not verified, conversations have no profiles, bargain roles are inferred")
	}

	tracker := services.NewDeliveryTracker(store, hub, publisher)
	h := &handlers.ChatHandler{
		Chat:      services.NewChatService(store, tracker, users, bargainOpts...),
		Hub:       hub,
		Limiter:   middleware.NewSendLimiter(database.RedisClient),
		JWTSecret: cfg.JWTSecret,
	}

	// Initialize Cloudinary service
	if cfg.CloudinaryConfigured() {
		cld, err := services.NewCloudinaryService(cfg.CloudinaryName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret)
		if err != nil {
			log.Printf("Warning: Failed to initialize Cloudinary: %v", err)
		} else {
			h.Uploader = cld
			log.Println("✅ Cloudinary service initialized")
		}
	} else {
		log.Println("Warning: Cloudinary credentials not found. Attachments will not be available")
	}

	router := routes.NewRouter(h, routes.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHost:    cfg.AllowedHost,
		Production:     cfg.IsProduction(),
	})
	if cfg.IsProduction() {
		log.Println("✅ Production security enabled (security headers, host check, per-IP rate limiting)")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("🚀 Salmart chat backend running on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Failed to start server:", err)
	}
}
