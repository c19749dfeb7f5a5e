package main

import (
	"github.com/mossy-p/call-orchestrator/config"
	"github.com/mossy-p/call-orchestrator/internal/handlers"
	"github.com/mossy-p/call-orchestrator/internal/middleware"
	"github.com/mossy-p/call-orchestrator/internal/redis"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg := config.Load()

	if cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode)
	}

	// Connect to Redis
	store, err := redis.Connect(cfg.Redis)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer store.Close()

	logrus.Info("Redis connection established")

	hub := handlers.NewHub(store)
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Development token endpoint (public)
		apiGroup.POST("/auth/token", handlers.IssueToken(cfg.JWTSecret))

		// Hangup report (requires JWT)
		apiGroup.POST("/calls/end/", middleware.JWTAuth(cfg.JWTSecret), hub.EndCall)

		// Call presence and end record (public)
		apiGroup.GET("/calls/:roomId", hub.GetCall)
	}

	// WebSocket call signaling
	router.GET("/ws/call/:roomId/", hub.HandleCall)

	logrus.WithField("port", cfg.Port).Info("Starting call signaling server")
	if err := router.Run(":" + cfg.Port); err != nil {
		logrus.WithError(err).Fatal("Failed to start server")
	}
}
