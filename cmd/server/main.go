package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentmeter/internal/adapters/cache"
	"rentmeter/internal/adapters/http/middleware"
	"rentmeter/internal/adapters/http/routes"
	"rentmeter/internal/adapters/persistence/models"
	"rentmeter/internal/adapters/persistence/repositories"
	"rentmeter/internal/adapters/storage"
	"rentmeter/internal/config"
	"rentmeter/internal/core/services"
	"rentmeter/internal/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	_ "rentmeter/docs" // Swagger docs
)

// @title Rentmeter API
// @version 1.0
// @description Utility billing for rental rooms: meter readings, payment evidence, confirmation and receipts.
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.email support@rentmeter.local

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Format, "rentmeter")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync() //nolint:errcheck

	// Connect to database
	db, err := config.ConnectDatabase(cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer config.CloseDatabase()

	if err := models.AutoMigrate(db); err != nil {
		zlog.Fatal("failed to auto migrate", zap.Error(err))
	}
	zlog.Info("database migration completed")

	if err := config.NewSeeder(db, zlog.Named("seeder")).Run(); err != nil {
		zlog.Warn("failed to seed data", zap.Error(err))
	}

	store, err := storage.NewLocalStore(cfg.Storage.Dir, cfg.Storage.PublicBaseURL, zlog.Named("storage"))
	if err != nil {
		zlog.Fatal("failed to open evidence storage", zap.Error(err))
	}

	// Optional Redis for shared rate-limit counters
	var (
		rdb            *redis.Client
		limiterStorage fiber.Storage
	)
	if cfg.Redis.Addr != "" {
		rdb = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := cache.Ping(pingCtx, rdb)
		cancel()
		if err != nil {
			zlog.Warn("redis unavailable, rate limits stay in memory", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			rdb.Close()
			rdb = nil
		} else {
			limiterStorage = cache.NewRedisStorage(rdb, "rentmeter:limiter:")
			defer rdb.Close()
		}
	}

	notifier := services.NewNotificationService(cfg.Notify.BaseURL, cfg.Notify.Token, zlog.Named("notify"))

	// Scheduled maintenance: refresh token cleanup and overdue digests
	if cfg.Cron.Enabled {
		cronService, err := services.NewCronService(
			repositories.NewRefreshTokenRepository(db),
			repositories.NewBillRepository(db),
			notifier,
			cfg.Cron,
			zlog.Named("cron"),
		)
		if err != nil {
			zlog.Fatal("failed to schedule jobs", zap.Error(err))
		}
		cronService.Start()
		defer cronService.Stop()
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Rentmeter API v1.0",
		ErrorHandler: middleware.CustomErrorHandler,
		BodyLimit:    int(cfg.MaxUploadBytes()) + 1<<20,
	})

	// Setup middlewares
	middleware.Setup(app, cfg, limiterStorage)

	// Setup routes
	routes.Setup(app, routes.Dependencies{
		DB:       db,
		Config:   cfg,
		Redis:    rdb,
		Limiter:  limiterStorage,
		Store:    store,
		Notifier: notifier,
		Log:      zlog,
	})

	// Graceful shutdown
	go gracefulShutdown(app, zlog)

	zlog.Info("server starting", zap.String("port", cfg.Port), zap.String("mode", cfg.AppMode))
	if err := app.Listen(":" + cfg.Port); err != nil {
		zlog.Error("server stopped", zap.Error(err))
	}
}

// gracefulShutdown handles graceful shutdown
func gracefulShutdown(app *fiber.App, zlog *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down server")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		zlog.Error("error during shutdown", zap.Error(err))
	}
	zlog.Info("server stopped gracefully")
}
