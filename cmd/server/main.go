package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/assocevents/registration-backend/internal/config"
	"github.com/assocevents/registration-backend/internal/database"
	"github.com/assocevents/registration-backend/internal/handlers"
	"github.com/assocevents/registration-backend/internal/middleware"
	"github.com/assocevents/registration-backend/internal/services"
	"github.com/assocevents/registration-backend/pkg/jwt"
	"github.com/assocevents/registration-backend/pkg/signature"
	"github.com/assocevents/registration-backend/pkg/validator"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting Event Registration Backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}
	logger.Info("Database connection established")

	// Repositories need *sqlx.DB; db is the DB interface
	sqlxDB, ok := db.(*database.PostgresDB)
	if !ok {
		logger.Fatal("Failed to cast database connection to PostgresDB")
	}

	// Initialize repositories
	registrationRepo := database.NewRegistrationRepository(sqlxDB.DB, logger)
	eventRepo := database.NewPaymentEventRepository(sqlxDB.DB, logger)

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	phoneValidator := validator.NewPhoneValidator()
	signer := signature.NewSigner(cfg.Payment.SharedSecret)

	gatewayService := services.NewGatewayService(cfg.Payment, signer, logger)
	if !gatewayService.IsConfigured() {
		logger.Warn("Payment gateway is not fully configured; payment initiation will fail")
	}

	passService := services.NewPassService(logger)
	mailService := services.NewMailService(cfg.Mail, logger)

	notifyService := services.NewNotifyService(passService, mailService, eventRepo, cfg.Notify, logger)
	notifyService.Start(context.Background())

	registrationService := services.NewRegistrationService(registrationRepo, eventRepo, gatewayService, logger)
	rateLimitService := services.NewRateLimitService(db)
	reconcileService := services.NewReconcileService(
		registrationRepo,
		eventRepo,
		gatewayService,
		signer,
		notifyService,
		cfg.Payment,
		logger,
	)

	// Initialize and start the reconciliation sweep
	sweepService := services.NewSweepService(registrationRepo, reconcileService, rateLimitService, cfg.Payment.PaymentTimeout, logger)
	if err := sweepService.Start(); err != nil {
		logger.Fatalf("Failed to start sweep service: %v", err)
	}

	logger.Info("Services initialized")

	// Initialize handlers
	registrationHandler := handlers.NewRegistrationHandler(registrationService, phoneValidator, rateLimitService, logger)
	callbackHandler := handlers.NewCallbackHandler(reconcileService, logger)
	adminHandler := handlers.NewAdminHandler(registrationRepo, eventRepo, notifyService, jwtService, cfg.JWT, logger)

	// Initialize Gin router
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	// CORS configuration
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Registration routes (public; attendees are not authenticated)
		registrations := v1.Group("/registrations")
		{
			registrations.POST("", registrationHandler.Create)
			registrations.GET("/:id", registrationHandler.Get)
			registrations.POST("/:id/pay", registrationHandler.InitiatePayment)
			registrations.POST("/:id/retry", registrationHandler.RetryPayment)
		}

		// Payment gateway callback. The bank delivers either a browser
		// redirect (GET) or a server notification (POST) to the same URL.
		payments := v1.Group("/payments")
		{
			payments.GET("/callback", callbackHandler.Handle)
			payments.POST("/callback", callbackHandler.Handle)
		}

		// Admin desk routes
		admin := v1.Group("/admin")
		{
			admin.POST("/login", adminHandler.Login)

			protected := admin.Group("")
			protected.Use(middleware.AuthMiddleware(jwtService, logger))
			{
				protected.POST("/registrations/:id/checkin", adminHandler.CheckIn)
				protected.POST("/registrations/:id/meal", adminHandler.MarkMeal)
				protected.POST("/registrations/:id/resend-pass", adminHandler.ResendPass)
				protected.GET("/registrations/:id/payment-events", adminHandler.RegistrationEvents)
				protected.GET("/payment-events/:ref", adminHandler.PaymentEvents)
				protected.GET("/amount-mismatches", adminHandler.AmountMismatches)

				protected.POST("/sweep/run", func(c *gin.Context) {
					sweepService.RunStaleSweepNow()
					c.JSON(http.StatusOK, gin.H{"message": "Stale payment sweep triggered"})
				})
			}
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	sweepService.Stop()
	notifyService.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited successfully")
}

// requestLogger middleware for logging HTTP requests
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		fields := logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"query":      query,
			"ip":         c.ClientIP(),
			"latency_ms": latency.Milliseconds(),
			"user_agent": c.Request.UserAgent(),
		}

		entry := logger.WithFields(fields)

		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
			return
		}

		status := c.Writer.Status()
		switch {
		case status >= 500:
			entry.Error("Request completed with server error")
		case status >= 400:
			entry.Warn("Request completed with client error")
		default:
			entry.Info("Request completed successfully")
		}
	}
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		dbStatus := "healthy"
		if err := db.Ping(); err != nil {
			dbStatus = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": dbStatus,
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  dbStatus,
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
