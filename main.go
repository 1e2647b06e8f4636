package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/config"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/db"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/handlers"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/middleware"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/services"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger := utils.NewLogger()

	// Connect to database
	database, err := db.Connect(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}

	// Initialize shared state store client
	redisClient := services.NewRedisClient(cfg, logger)
	defer redisClient.Close()

	// Initialize services
	registry := services.NewRegistry(logger, cfg.DisconnectGrace)
	presence := services.NewPresenceStore(redisClient, database, logger, cfg.PresenceTTL, cfg.ContactCacheTTL)
	tracker := services.NewStatusTracker(database, logger, cfg.BlockingAffectsGroups)
	fanout := services.NewFanout(redisClient, registry, logger, cfg.FanoutWorkers, cfg.FanoutQueueSize)

	// Initialize handlers
	verifier := middleware.NewVerifier(cfg.JWTSecret)
	sessionHandler := handlers.NewSessionHandler(cfg, verifier, registry, presence, fanout,
		handlers.NewLoggingLastSeen(logger), logger)
	wsHandler := handlers.NewWSHandler(sessionHandler, logger)
	presenceHandler := handlers.NewPresenceHandler(presence, registry, logger)
	statusHandler := handlers.NewStatusHandler(tracker, fanout, logger)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	// Health check and metrics endpoints
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", presenceHandler.Metrics)

	// WebSocket endpoint; the session handler authenticates after upgrade
	router.GET("/ws", wsHandler.Serve)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth(verifier))
	{
		presenceRoutes := v1.Group("/presence")
		{
			presenceRoutes.GET("/status", presenceHandler.GetStatus)
			presenceRoutes.POST("/bulk", presenceHandler.GetBulk)
			presenceRoutes.GET("/contacts", presenceHandler.GetContacts)
			presenceRoutes.POST("/contacts/invalidate", presenceHandler.InvalidateContacts)
		}

		sessions := v1.Group("/sessions")
		{
			sessions.POST("/disconnect", presenceHandler.ForceDisconnect)
		}

		messages := v1.Group("/messages")
		{
			messages.POST("/status", statusHandler.CreateInitial)
			messages.POST("/status/advance", statusHandler.Advance)
			messages.GET("/:id/status", statusHandler.Counts)
		}

		conversations := v1.Group("/conversations")
		{
			conversations.POST("/:id/read", statusHandler.MarkConversationRead)
		}
	}

	// Create and start the server
	srv := NewServer(cfg, logger, registry, presence, fanout, router)
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", "error", err)
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := srv.Stop(30 * time.Second); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
