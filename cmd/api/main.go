package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parceldrop/dispatch/internal/billing"
	"github.com/parceldrop/dispatch/internal/drivers"
	"github.com/parceldrop/dispatch/internal/mission"
	"github.com/parceldrop/dispatch/internal/orders"
	"github.com/parceldrop/dispatch/internal/routing"
	"github.com/parceldrop/dispatch/internal/sms"
	"github.com/parceldrop/dispatch/internal/tracking"
	"github.com/parceldrop/dispatch/pkg/common"
	"github.com/parceldrop/dispatch/pkg/config"
	"github.com/parceldrop/dispatch/pkg/database"
	"github.com/parceldrop/dispatch/pkg/errors"
	"github.com/parceldrop/dispatch/pkg/eventbus"
	"github.com/parceldrop/dispatch/pkg/eventlog"
	"github.com/parceldrop/dispatch/pkg/logger"
	"github.com/parceldrop/dispatch/pkg/middleware"
	"github.com/parceldrop/dispatch/pkg/ratelimit"
	redisclient "github.com/parceldrop/dispatch/pkg/redis"
	"github.com/parceldrop/dispatch/pkg/secrets"
	"github.com/parceldrop/dispatch/pkg/tracing"
	"go.uber.org/zap"
)

const (
	serviceName = "dispatch-api"
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

	if err := secrets.Hydrate(context.Background(), cfg); err != nil {
		logger.Fatal("Failed to resolve secrets", zap.Error(err))
	}

	logger.Info("Starting api service",
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

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(tracing.Config{
			ServiceName:    serviceName,
			ServiceVersion: version,
			Environment:    cfg.Server.Environment,
			OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
			SampleRate:     cfg.Tracing.SampleRatio,
			Enabled:        true,
		}, logger.Get())
		if err != nil {
			logger.Warn("Failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to shutdown tracer", zap.Error(err))
				}
			}()
		}
	}

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)
	logger.Info("Connected to database")

	// The tracking snapshot store reads through database/sql.
	sqlDB, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("Failed to open sql connection", zap.Error(err))
	}
	defer sqlDB.Close()

	redisClient, err := redisclient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Connected to redis")

	events := eventlog.NewLog(redisClient)

	var bus *eventbus.Bus
	if cfg.NATS.Enabled {
		bus, err = eventbus.New(eventbus.Config{URL: cfg.NATS.URL, Name: serviceName})
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer bus.Close()
		logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	router := routing.NewEngine(&cfg.Routing)

	var smsSender sms.Sender
	if sender := sms.NewTwilioSender(cfg.Gateways); sender != nil {
		smsSender = sender
		logger.Info("SMS sending enabled")
	}

	ordersRepo := orders.NewRepository(db)
	driversRepo := drivers.NewRepository(db)
	billingRepo := billing.NewRepository(db)

	ordersService := orders.NewService(ordersRepo, driversRepo, router, events, redisClient, smsSender)
	ordersHandler := orders.NewHandler(ordersService)

	missionService := mission.NewService(ordersRepo, events, busOrNil(bus))
	missionHandler := mission.NewHandler(missionService)

	driversService := drivers.NewService(driversRepo, redisClient, busOrNil(bus), cfg.Heartbeat)
	driversHandler := drivers.NewHandler(driversService)

	billingService := billing.NewService(billingRepo, driversRepo, buildGateways(cfg.Gateways))
	billingHandler := billing.NewHandler(billingService, cfg.Gateways.MobileMoneyAPIKey)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = fmt.Sprintf("api-%d", os.Getpid())
	}

	trackingService := tracking.NewService(tracking.NewHub(), bus,
		tracking.NewRouteEta(ordersRepo, router), hostname)
	trackingHandler := tracking.NewHandler(trackingService, tracking.NewSnapshotStore(sqlDB))
	if bus != nil {
		if err := trackingService.Start(context.Background()); err != nil {
			logger.Fatal("Failed to start tracking fan-out", zap.Error(err))
		}
	}

	var telemetryLimit gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(redisClient.Client, cfg.RateLimit)
		telemetryLimit = middleware.RateLimit(limiter, cfg.RateLimit)
		logger.Info("Rate limiting enabled",
			zap.Int("default_limit", cfg.RateLimit.DefaultLimit),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.RecoveryWithSentry())
	engine.Use(middleware.SentryMiddleware())
	engine.Use(middleware.CorrelationID())
	engine.Use(middleware.RequestLogger(serviceName))
	engine.Use(middleware.CORS(cfg.Server.CORSOrigins))
	engine.Use(middleware.SanitizeRequest())
	if cfg.Tracing.Enabled {
		engine.Use(middleware.TracingMiddleware(serviceName))
	}
	engine.Use(middleware.ErrorHandler())

	engine.GET("/healthz", common.HealthCheck(serviceName, version))
	engine.GET("/health/live", common.LivenessProbe(serviceName, version))

	healthChecks := map[string]func() error{
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
	}
	if bus != nil {
		healthChecks["nats"] = func() error {
			if !bus.Connected() {
				return fmt.Errorf("nats disconnected")
			}
			return nil
		}
	}
	engine.GET("/health/ready", common.ReadinessProbe(serviceName, version, healthChecks))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ordersHandler.RegisterRoutes(engine, cfg.JWT.Secret, middleware.Idempotency(redisClient))
	missionHandler.RegisterRoutes(engine, cfg.JWT.Secret)
	driversHandler.RegisterRoutes(engine, cfg.JWT.Secret, telemetryLimit)
	trackingHandler.RegisterRoutes(engine, cfg.JWT.Secret)
	billingHandler.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// busOrNil keeps a typed-nil *Bus from leaking into interface fields.
func busOrNil(bus *eventbus.Bus) mission.Broadcaster {
	if bus == nil {
		return nil
	}
	return bus
}

// buildGateways wires only the gateways that are actually configured so
// provider selection can tell "not configured" apart from "configured".
func buildGateways(cfg config.GatewayConfig) billing.Gateways {
	var gateways billing.Gateways
	if g := billing.NewMobileMoneyGateway(cfg); g != nil {
		gateways.MobileMoney = g
	}
	if g := billing.NewStripeGateway(cfg.StripeSecretKey); g != nil {
		gateways.Stripe = g
	}
	return gateways
}
