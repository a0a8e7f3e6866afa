package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/publish-studio/scheduler-svc/internal/config"
	"github.com/publish-studio/scheduler-svc/internal/handlers"
	"github.com/publish-studio/scheduler-svc/internal/logger"
	"github.com/publish-studio/scheduler-svc/internal/routes"
	"github.com/publish-studio/scheduler-svc/internal/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Initialize logger (production mode by default, can be changed via env)
	devMode := os.Getenv("APP_ENV") == string(config.EnvDevelopment)
	if err := logger.Init(os.Getenv("LOG_LEVEL"), devMode); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	svc := service.NewService(cfg, logger.Named("scheduler"), redisClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := svc.StartReceivers(ctx)
	if report.AllUp() {
		logger.Info("All receivers started", zap.Int("receivers", len(report.Results)))
	} else {
		for _, res := range report.Failed() {
			logger.Error("Receiver failed to start",
				zap.String("receiver", res.Receiver),
				zap.Error(res.Err),
			)
		}
		logger.Warn("Running with partial receivers",
			zap.Int("started", len(report.Results)-len(report.Failed())),
			zap.Int("failed", len(report.Failed())),
		)
	}

	var app *fiber.App
	if cfg.HealthEnabled() {
		app = fiber.New(fiber.Config{
			AppName:               "Scheduler Service",
			DisableStartupMessage: true,
		})

		// Middleware
		app.Use(recover.New())
		app.Use(fiberlogger.New(fiberlogger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))

		routes.SetupRoutes(app, handlers.NewHealthHandler(redisClient, svc.Receivers))

		// Start server in a goroutine
		go func() {
			logger.Info("Health server starting", zap.String("address", cfg.HealthAddr))
			if err := app.Listen(cfg.HealthAddr); err != nil {
				logger.Error("Health server stopped", zap.Error(err))
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	logger.Info("Shutting down scheduler")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if app != nil {
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("Error during health server shutdown", zap.Error(err))
		}
	}

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Scheduler stopped")
}
