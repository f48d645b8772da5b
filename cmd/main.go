package main

import (
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"onboarding-service/internal/handler"
	"onboarding-service/internal/middleware"
	"onboarding-service/internal/onboarding"
	"onboarding-service/internal/provisioner"
	"onboarding-service/internal/ratelimit"
	"onboarding-service/internal/slug"
	"onboarding-service/internal/webhook"
	"onboarding-service/pkg/config"
	"onboarding-service/pkg/database"
	"onboarding-service/pkg/jwtutil"
	"onboarding-service/pkg/logger"
	"onboarding-service/prometheus"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load("onboarding-service")
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	if err := logger.InitLogger(cfg); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	log := logger.GetLogger()
	log.Info("Starting onboarding service...", cfg.LogConfig()...)

	// Initialize control-plane database
	db, err := database.InitDB(&cfg.DB)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	if err := database.MigrateControlPlane(db); err != nil {
		log.Fatal("Failed to migrate control-plane schema", zap.Error(err))
	}
	log.Info("Database connection established")

	// Initialize JWT utility for dashboard session tokens
	jwtutil.Initialize(&cfg.JWT)

	// Wire the engine
	allocator := slug.NewAllocator(db, cfg.Onboarding.MaxSlugAttempts)
	prov := provisioner.New(db, cfg)
	guard := ratelimit.NewGuard(db, cfg.Onboarding.StaleClaimTTL)
	limiter := ratelimit.NewLimiter(db)
	dispatcher := webhook.NewDispatcher(db, &cfg.Webhook)
	svc := onboarding.NewService(db, cfg, allocator, prov, guard, dispatcher)
	handler.Init(svc, limiter, dispatcher, cfg)

	// Initialize Echo framework
	e := echo.New()

	// Apply global middleware - order matters
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.RequestIDMiddleware)
	e.Use(logger.Middleware())
	e.Use(prometheus.MetricsMiddleware())

	// Public routes - no authentication required
	e.GET("/health", handler.HealthCheck)
	e.GET("/metrics", handler.MetricsHandler)
	e.POST("/applications/register", handler.RegisterApplication)
	e.POST("/onboarding/activate", handler.ActivateOnboarding)

	rateLimited := middleware.RateLimit(limiter, &cfg.RateLimit)

	// Master-key routes - credential management
	master := e.Group("", middleware.MasterKeyAuth, rateLimited)
	master.POST("/auth/token", handler.IssueToken)
	master.POST("/apikeys", handler.CreateAPIKey)
	master.POST("/apikeys/:prefix/revoke", handler.RevokeAPIKey)

	// API-key routes - the onboarding engine surface
	api := e.Group("", middleware.APIKeyAuth, rateLimited)
	api.POST("/onboarding/start", handler.StartOnboarding)
	api.POST("/onboarding/provision", handler.ProvisionOnboarding)
	api.GET("/onboarding/status/:id", handler.OnboardingStatus)
	api.POST("/onboarding/cancel", handler.CancelOnboarding)
	api.POST("/onboarding/external", handler.ExternalOnboarding)
	api.POST("/webhooks/register", handler.RegisterWebhook)
	api.POST("/webhooks/test", handler.TestWebhook)

	// Start server
	port := cfg.Server.Port
	log.Info("Starting server", zap.String("port", port))
	if err := e.Start(":" + port); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}
}
