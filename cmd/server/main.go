package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/numzap/backend/internal/database"
	"github.com/numzap/backend/internal/handlers"
	mW "github.com/numzap/backend/internal/middleware"
	"github.com/numzap/backend/internal/provider"
	"github.com/numzap/backend/internal/services"
	"github.com/spf13/viper"
)

// @title NumZap API
// @version 1.0
// @description Virtual number activations with a balance ledger
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("recharge.webhook_secret", "RECHARGE_WEBHOOK_SECRET")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	var idempotencyStore services.IdempotencyStore
	if redisClient != nil {
		idempotencyStore = services.NewRedisIdempotencyStore(redisClient)
	} else {
		idempotencyStore = services.NewMemoryIdempotencyStore()
	}

	locks := services.NewLockManager()
	idempotency := services.NewIdempotencyManager(idempotencyStore)
	notifications := services.NewNotificationService()
	ledgerService := services.NewLedgerService(db)
	settingsService := services.NewSettingsService(db)
	registry := provider.NewRegistry(db, settingsService)
	activationService := services.NewActivationService(db, locks, ledgerService, idempotency, registry, notifications)
	rechargeService := services.NewRechargeService(redisClient, ledgerService, locks, notifications)
	rechargeHandler := handlers.NewRechargeHandler(rechargeService)
	authService := services.NewAuthService(db, redisClient)

	scheduler, err := services.NewScheduler(activationService, idempotency)
	if err != nil {
		log.Fatalf("Failed to initialize scheduler: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Static file server for service logos
	r.Handle("/static/service-logos/*", http.StripPrefix("/static/service-logos/",
		mW.StaticFileServer("./static/service-logos")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Post("/recharge/webhook", rechargeHandler.Webhook)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetAccount)

			r.Post("/activations", activationService.Purchase)
			r.Get("/activations", activationService.List)
			r.Get("/activations/history", activationService.History)
			r.Post("/activations/{activationId}/cancel", activationService.Cancel)
			r.Post("/activations/{activationId}/complete", activationService.Complete)
			r.Post("/activations/{activationId}/retry", activationService.Retry)
			r.Get("/activations/{activationId}/messages", activationService.Messages)

			r.Get("/balance", ledgerService.BalanceEnquiry)
			r.Get("/transactions", ledgerService.GetTransactions)

			r.Post("/recharge", rechargeHandler.CreateCharge)
			r.Get("/recharge/{chargeId}", rechargeHandler.GetCharge)

			r.Get("/notifications/stream", notifications.Stream)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the SSE stream holds its connection open.
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
