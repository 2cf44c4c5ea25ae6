package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"approval-engine/internal/config"
	"approval-engine/internal/events"
	"approval-engine/internal/handlers"
	"approval-engine/internal/identity"
	"approval-engine/internal/jobs"
	"approval-engine/internal/metrics"
	"approval-engine/internal/middleware"
	"approval-engine/internal/repository"
	"approval-engine/internal/seeders"
	"approval-engine/internal/services"
)

// @title Approval Engine API
// @version 1.0.0
// @description Approval workflow engine: flows, requests, decisions, delegations

// @host localhost:8099
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using system environment variables")
	}

	cfg := config.Load()
	if cfg.Environment == "development" {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database:", err)
	}

	approvalRepo := repository.NewApprovalRepository(db)

	logger.Info("Running database migrations...")
	if err := approvalRepo.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	if cfg.SeedFlows {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		created, err := seeders.SeedDefaultFlows(ctx, approvalRepo, logger)
		cancel()
		if err != nil {
			logger.Fatalf("Failed to seed default flows: %v", err)
		}
		logger.WithField("created", created).Info("Default flows seeded")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(registry)

	// Event bus; NATS forwarding is optional and the service works without it
	bus := events.NewBus(logger)
	bus.Subscribe(events.TopicAll, recorder.HandleEvent)

	var forwarder *events.NATSForwarder
	if cfg.NATSURL != "" {
		forwarder, err = events.NewNATSForwarder(cfg.NATSURL, "approval-engine", logger)
		if err != nil {
			logger.Warnf("Failed to connect to NATS: %v. Events will not be forwarded.", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := forwarder.EnsureStream(ctx); err != nil {
				logger.Warnf("Failed to ensure approval stream: %v", err)
			}
			cancel()
			bus.Subscribe(events.TopicAll, forwarder.Handle)
			logger.Info("NATS event forwarding enabled")
		}
	} else {
		logger.Info("NATS_URL not configured, event forwarding disabled")
	}

	// Role resolution: staff service behind a Redis cache, or a static map
	var roles identity.RoleResolver
	var roleCache *identity.CachedRoleResolver
	if cfg.StaffServiceURL != "" {
		roleCache = identity.NewCachedRoleResolver(identity.NewStaffClient(cfg.StaffServiceURL, cfg.StaffServiceRPS), cfg.RedisURL, cfg.RoleCacheTTL, logger)
		roles = roleCache
		logger.WithField("redis", roleCache.IsAvailable()).Info("Resolving roles through staff service")
	} else {
		roles = identity.NewStaticRoleResolver(cfg.StaticRoles)
		logger.WithField("users", len(cfg.StaticRoles)).Warn("STAFF_SERVICE_URL not configured, using static roles")
	}

	// Services
	engine := services.NewApprovalEngine(approvalRepo, bus, roles, logger)
	flowService := services.NewFlowService(approvalRepo, logger)
	delegationService := services.NewDelegationService(approvalRepo, logger)

	// Start sweep job
	sweepJob := jobs.NewSweepJob(jobs.NewSweep(approvalRepo, engine, recorder, logger), cfg.SweepInterval, logger)
	jobCtx, jobCancel := context.WithCancel(context.Background())
	go sweepJob.Start(jobCtx)
	logger.WithField("interval", cfg.SweepInterval.String()).Info("Sweep job started")

	// Initialize Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(recorder.GinMiddleware())

	// Operational endpoints (no auth required)
	probes := map[string]handlers.ReadinessProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if roleCache != nil && roleCache.IsAvailable() {
		probes["redis"] = roleCache.Ping
	}
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadinessCheck(probes))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Protected API routes
	api := router.Group("/api/v1")
	api.Use(middleware.Auth(middleware.AuthConfig{
		JWTSecret:           cfg.JWTSecret,
		AllowHeaderIdentity: cfg.AllowHeaderIdentity,
		AdminRole:           cfg.AdminRole,
	}))

	handlers.NewApprovalHandler(engine).RegisterRoutes(api)
	handlers.NewDelegationHandler(delegationService).RegisterRoutes(api)

	admin := api.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	handlers.NewFlowHandler(flowService).RegisterRoutes(admin)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Infof("Approval engine starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	jobCancel()
	sweepJob.Stop()
	logger.Info("Sweep job stopped")

	bus.Wait()
	if forwarder != nil {
		forwarder.Close()
	}
	if roleCache != nil {
		if err := roleCache.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close role cache")
		}
	}

	logger.Info("Server shutdown complete")
}
