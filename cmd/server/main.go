package main

import (
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cwcr_console/internal/config"
	"cwcr_console/internal/handlers"
	"cwcr_console/internal/metrics"
	authMiddleware "cwcr_console/internal/middleware"
	"cwcr_console/internal/services"
)

func main() {
	cfg := config.Load()

	if cfg.SessionSecret == "" {
		if cfg.IsProduction() {
			log.Fatal("SESSION_SECRET not set")
		}
		cfg.SessionSecret = uuid.NewString()
		log.Println("Warning: SESSION_SECRET not set, sessions will not survive a restart")
	}

	// Initialize Database
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.DatabaseURL, cfg.IsProduction())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Initialize Redis
	cache, err := services.NewRedisCache(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer cache.Close()

	metrics.InitMetrics()

	backend := services.NewBackendClient(cfg.BackendURL, cfg.BackendTimeout)
	sessions := services.NewSessionService(backend, services.NewRedisSessionStore(cache), cache, cfg.SessionSecret, cfg.SessionTTL)
	payments := services.NewPaymentService(backend, services.NewGormIntentStore(db), cache, services.PaymentConfig{
		RazorpayKey:    cfg.RazorpayKey,
		OrgName:        cfg.OrgName,
		GatewayTimeout: cfg.GatewayTimeout,
		AllowAdvance:   cfg.AllowAdvancePayment,
		BackendTimeout: cfg.BackendTimeout,
	})

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = authMiddleware.CustomErrorHandler

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(metrics.Middleware())

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(sessions, cfg.IsProduction())
	subscriptionHandler := handlers.NewSubscriptionHandler(backend, payments)
	dashboardHandler := handlers.NewDashboardHandler(backend, cache)

	// Public routes
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/auth/otp/send", authHandler.SendOTP)
	e.POST("/auth/otp/verify", authHandler.VerifyOTP)
	e.POST("/auth/logout", authHandler.Logout)

	// Protected routes
	protected := e.Group("")
	protected.Use(authMiddleware.RequireAuth(sessions))
	protected.GET("/auth/me", authHandler.Me)
	protected.GET("/dashboard", dashboardHandler.Dashboard)

	// Subscription routes
	protected.GET("/subscriptions", subscriptionHandler.ListSubscriptions)
	protected.GET("/subscriptions/:memberId", subscriptionHandler.ViewSubscription)
	protected.POST("/subscriptions/:memberId/intents", subscriptionHandler.OpenIntent)

	// Pay dialog routes
	protected.GET("/intents/:id", subscriptionHandler.GetIntent)
	protected.PUT("/intents/:id/selection", subscriptionHandler.UpdateSelection)
	protected.DELETE("/intents/:id", subscriptionHandler.CloseIntent)
	protected.POST("/intents/:id/online", subscriptionHandler.StartOnline)
	protected.POST("/intents/:id/gateway-callback", subscriptionHandler.GatewayCallback)
	protected.POST("/intents/:id/gateway-abandon", subscriptionHandler.GatewayAbandon)
	protected.POST("/intents/:id/offline/prepare", subscriptionHandler.PrepareOffline)
	protected.POST("/intents/:id/offline/confirm", subscriptionHandler.ConfirmOffline)

	// Reports and greetings
	protected.GET("/reports/daily-collection", dashboardHandler.DailyCollection)
	protected.POST("/greetings/:kind/run", dashboardHandler.RunGreetings)
	protected.GET("/greetings/:kind/logs", dashboardHandler.GreetingLogs)

	log.Printf("Server starting on port %s", cfg.Port)
	e.Logger.Fatal(e.Start(":" + cfg.Port))
}
