// Package main runs the ticket reservation HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/guildhall/backend/config"
	"github.com/guildhall/backend/internal/auth"
	"github.com/guildhall/backend/internal/events"
	"github.com/guildhall/backend/internal/middleware"
	"github.com/guildhall/backend/internal/registrations"
	"github.com/guildhall/backend/internal/reservations"
	"github.com/guildhall/backend/internal/soldout"
	"github.com/guildhall/backend/internal/worker"
	"github.com/guildhall/backend/pkg/database"
	"github.com/guildhall/backend/pkg/queue"
	"github.com/guildhall/backend/pkg/redis"
	"github.com/guildhall/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer)
	authRepo := auth.NewRepository(pool)
	eventRepo := events.NewRepository(pool)
	availabilityCache := events.NewCache(rdb.Client, cfg.Reservation.AvailabilityTTL)
	registrationRepo := registrations.NewRepository(pool, cfg.Reservation.LockMode)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	jobQueue.SetMaxRetries(cfg.Worker.MaxRetries)
	flags := soldout.NewFlags(rdb.Client, cfg.Reservation.SoldOutTTL)
	emitter := soldout.NewEmitter(flags, jobQueue, logger)

	reservationService := reservations.NewService(cfg.Reservation, reservations.Deps{
		Store:   registrationRepo,
		Users:   authRepo,
		Events:  eventRepo,
		Flags:   flags,
		Signals: emitter,
		Cache:   availabilityCache,
		Logger:  logger,
	})
	reservationHandler := reservations.NewHandler(reservationService, cfg.Webhook.PaymentSecret, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	reservationHandler.Register(router, middleware.JWT(jwtService))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.Worker.InProcess {
		processor := worker.NewInvalidationProcessor(jobQueue, availabilityCache, cfg.Worker.RetryBackoff, logger)
		go processor.Run(workerCtx)
		logger.Info("invalidation worker started in process")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port),
			zap.String("lock_mode", cfg.Reservation.LockMode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
