package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parceldrop/dispatch/internal/assignment"
	"github.com/parceldrop/dispatch/internal/availability"
	"github.com/parceldrop/dispatch/internal/drivers"
	"github.com/parceldrop/dispatch/internal/orders"
	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/database"
	"github.com/parceldrop/dispatch/pkg/errors"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/logger"
	redisclient "github.com/parceldrop/dispatch/pkg/redis"
	"go.uber.org/zap"
)

const (
	serviceName = "assignment-worker"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting assignment worker",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
	)

	sentryConfig := errors.DefaultSentryConfig()
	sentryConfig.ServerName = serviceName
	sentryConfig.Release = version
	if err := errors.InitSentry(sentryConfig); err != nil {
		logger.Warn("Failed to initialize Sentry, continuing without error tracking", zap.Error(err))
	} else {
		defer errors.Flush(2 * time.Second)
	}

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	redisClient, err := redisclient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	events := eventlog.NewLog(redisClient)

	ordersRepo := orders.NewRepository(db)
	assignmentRepo := assignment.NewRepository(db)
	driversRepo := drivers.NewRepository(db)
	checker := availability.NewChecker(driversRepo, redisClient, cfg.Availability)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = fmt.Sprintf("assignment-%d", os.Getpid())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := assignment.NewEngine(ordersRepo, assignmentRepo, driversRepo, checker,
		events, cfg.Assignment, hostname)
	if err := engine.Start(ctx); err != nil {
		logger.Fatal("Failed to start assignment engine", zap.Error(err))
	}

	expirer := assignment.NewExpirer(assignmentRepo, events, cfg.Assignment)
	go expirer.Start(ctx)

	scheduler := assignment.NewRetryScheduler(events, cfg.Assignment)
	go scheduler.Start(ctx)

	monitor := drivers.NewHeartbeatMonitor(driversRepo, redisClient, cfg.Heartbeat)
	go monitor.Start(ctx)

	srv := healthServer(cfg, db, redisClient)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start health server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down assignment worker...")
	cancel()
	engine.Stop()
	expirer.Stop()
	scheduler.Stop()
	monitor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server forced to shutdown", zap.Error(err))
	}

	logger.Info("Assignment worker stopped")
}

func healthServer(cfg *config.Config, db *pgxpool.Pool, redisClient *redisclient.Client) *http.Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.GET("/healthz", common.HealthCheck(serviceName, version))
	router.GET("/health/ready", common.ReadinessProbe(serviceName, version, map[string]func() error{
		"database": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.Ping(ctx)
		},
		"redis": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Client.Ping(ctx).Err()
		},
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}
}
