package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mesikahq/emr-bridge/internal/auth"
	"github.com/mesikahq/emr-bridge/internal/middleware"
)

type Router struct {
	handler     *Handler
	authService auth.Service
}

func NewRouter(handler *Handler, authService auth.Service) *Router {
	return &Router{
		handler:     handler,
		authService: authService,
	}
}

func (r *Router) SetupRouter(logger *zap.Logger) *gin.Engine {
	router := gin.New()

	// Apply global middleware
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.SecurityHeadersMiddleware(),
		middleware.RecoveryMiddleware(logger),
		middleware.LoggerMiddleware(logger),
		middleware.RateLimitMiddleware(rate.Every(time.Second), 30), // 30 requests per second
	)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := router.Group("/api")
	{
		// Auth routes (public)
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/login", r.handler.Login)
		}

		// Protected routes (require authentication)
		protected := api.Group("")
		protected.Use(middleware.AuthMiddleware(r.authService))
		{
			patients := protected.Group("/patients")
			{
				patients.GET("", r.handler.ListPatients)
				patients.GET("/pending", r.handler.ListPendingPatients)
				patients.GET("/:case_id", r.handler.GetPatient)
			}

			jobs := protected.Group("/jobs")
			{
				jobs.GET("/status", r.handler.JobStatus)
				jobs.POST("/sync", r.handler.StartFullSync)
				jobs.POST("/enrich", r.handler.StartEnrich)
				jobs.POST("/registry-sync", r.handler.StartRegistrySync)
				jobs.POST("/:id/cancel", r.handler.CancelJob)
			}

			// Audit log routes (admin only)
			auditGroup := protected.Group("/audit")
			auditGroup.Use(middleware.RoleMiddleware(auth.RoleAdmin))
			{
				auditGroup.GET("/logs", r.handler.GetAuditLogs)
			}
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}
